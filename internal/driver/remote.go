package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dbflux/driverkit/internal/protocol"
	"github.com/dbflux/driverkit/internal/supervisor"
	"github.com/dbflux/driverkit/internal/transport"
)

// Profile is the opaque blob that opens a session against an external
// driver: the driver kind plus the field values collected from the
// advertised form definition.
type Profile struct {
	Kind   protocol.DriverKind `json:"kind"`
	Values map[string]string   `json:"values"`
}

// RemoteDriver fronts one external driver service. Its metadata and form
// definition come from the handshake performed at registration time, so the
// driver can answer metadata queries without holding a live connection; each
// Open dials a fresh connection for its session.
type RemoteDriver struct {
	desc   supervisor.ServiceDescriptor
	record transport.HandshakeRecord
	sup    *supervisor.Supervisor
	log    zerolog.Logger
}

func NewRemote(desc supervisor.ServiceDescriptor, record transport.HandshakeRecord, sup *supervisor.Supervisor, logger zerolog.Logger) *RemoteDriver {
	return &RemoteDriver{desc: desc, record: record, sup: sup, log: logger}
}

func (d *RemoteDriver) SocketID() string                  { return d.desc.SocketID }
func (d *RemoteDriver) Kind() protocol.DriverKind         { return d.record.DriverKind }
func (d *RemoteDriver) Metadata() protocol.DriverMetadata { return d.record.Metadata }
func (d *RemoteDriver) Form() protocol.FormDefinition     { return d.record.Form }

func (d *RemoteDriver) Handshake() transport.HandshakeRecord { return d.record }

// Supports reports a protocol capability granted during the handshake.
func (d *RemoteDriver) Supports(c protocol.Capability) bool {
	return d.record.Supports(c)
}

// BuildProfile assembles the session profile from collected form values.
func (d *RemoteDriver) BuildProfile(values map[string]string) Profile {
	return Profile{Kind: d.record.DriverKind, Values: values}
}

// Open ensures the host is reachable, dials a fresh connection, and opens a
// session with the given profile.
func (d *RemoteDriver) Open(ctx context.Context, profile Profile) (*RemoteSession, error) {
	if err := d.sup.Ensure(ctx, d.desc); err != nil {
		return nil, &Error{kind: ErrConnectionFailed, Message: err.Error()}
	}

	client, err := transport.Connect(ctx, transport.Config{
		SocketPath:       d.desc.SocketPath(),
		HandshakeTimeout: d.desc.StartupTimeout,
		Logger:           d.log,
	})
	if err != nil {
		return nil, translate(err)
	}

	blob, err := json.Marshal(profile)
	if err != nil {
		_ = client.Close()
		return nil, &Error{kind: ErrInvalidRequest, Message: fmt.Sprintf("profile serialization failed: %v", err)}
	}

	sid, err := client.OpenSession(ctx, string(blob))
	if err != nil {
		_ = client.Close()
		return nil, translate(err)
	}
	return &RemoteSession{client: client, id: sid}, nil
}

// TestConnection opens and immediately closes a probe session.
func (d *RemoteDriver) TestConnection(ctx context.Context, profile Profile) error {
	sess, err := d.Open(ctx, profile)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)
	return sess.Ping(ctx)
}

// RemoteSession is one logical unit of work against an external driver.
// Every method maps 1:1 to a protocol request variant.
type RemoteSession struct {
	client *transport.Client
	id     uuid.UUID
}

func (s *RemoteSession) ID() uuid.UUID { return s.id }

// Close releases the session and drops the connection. Closing an already
// dead transport reports the transport failure; local cleanup has already
// happened in that case.
func (s *RemoteSession) Close(ctx context.Context) error {
	err := s.client.CloseSession(ctx)
	_ = s.client.Close()
	if err != nil {
		return translate(err)
	}
	return nil
}

func (s *RemoteSession) Ping(ctx context.Context) error {
	return translate(s.client.Ping(ctx))
}

func (s *RemoteSession) Execute(ctx context.Context, q protocol.QueryRequest) (*protocol.QueryResult, error) {
	result, err := s.client.Execute(ctx, q)
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

func (s *RemoteSession) Schema(ctx context.Context) (*protocol.SchemaSnapshot, error) {
	snapshot, err := s.client.Schema(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return snapshot, nil
}

func (s *RemoteSession) ListDatabases(ctx context.Context) ([]protocol.DatabaseInfo, error) {
	dbs, err := s.client.ListDatabases(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return dbs, nil
}

func (s *RemoteSession) SchemaForDatabase(ctx context.Context, database string) (*protocol.DatabaseSchema, error) {
	schema, err := s.client.SchemaForDatabase(ctx, database)
	if err != nil {
		return nil, translate(err)
	}
	return schema, nil
}

func (s *RemoteSession) TableDetails(ctx context.Context, ref protocol.TableRef) (*protocol.TableInfo, error) {
	table, err := s.client.TableDetails(ctx, ref)
	if err != nil {
		return nil, translate(err)
	}
	return table, nil
}

func (s *RemoteSession) SetActiveDatabase(ctx context.Context, database *string) error {
	return translate(s.client.SetActiveDatabase(ctx, database))
}

func (s *RemoteSession) BrowseTable(ctx context.Context, b protocol.BrowseRequest) (*protocol.QueryResult, error) {
	result, err := s.client.BrowseTable(ctx, b)
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

func (s *RemoteSession) CountTable(ctx context.Context, c protocol.CountRequest) (uint64, error) {
	n, err := s.client.CountTable(ctx, c)
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (s *RemoteSession) UpdateRow(ctx context.Context, patch protocol.RowPatch) (*protocol.CrudResult, error) {
	result, err := s.client.UpdateRow(ctx, patch)
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

func (s *RemoteSession) InsertRow(ctx context.Context, insert protocol.RowInsert) (*protocol.CrudResult, error) {
	result, err := s.client.InsertRow(ctx, insert)
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

func (s *RemoteSession) DeleteRow(ctx context.Context, del protocol.RowDelete) (*protocol.CrudResult, error) {
	result, err := s.client.DeleteRow(ctx, del)
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

func (s *RemoteSession) KeyScan(ctx context.Context, scan protocol.KeyScanRequest) ([]protocol.KeyEntry, error) {
	keys, err := s.client.KeyScan(ctx, scan)
	if err != nil {
		return nil, translate(err)
	}
	return keys, nil
}

func (s *RemoteSession) KeyGet(ctx context.Context, key string) (*protocol.KeyValueResult, error) {
	kv, err := s.client.KeyGet(ctx, key)
	if err != nil {
		return nil, translate(err)
	}
	return kv, nil
}

func (s *RemoteSession) KeySet(ctx context.Context, write protocol.KeyWrite) error {
	return translate(s.client.KeySet(ctx, write))
}

func (s *RemoteSession) KeyDelete(ctx context.Context, key string) error {
	return translate(s.client.KeyDelete(ctx, key))
}

func (s *RemoteSession) CodeGenerators(ctx context.Context) ([]protocol.GeneratorInfo, error) {
	gens, err := s.client.CodeGenerators(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return gens, nil
}

func (s *RemoteSession) GenerateCode(ctx context.Context, gen protocol.GenerateCodeRequest) (string, error) {
	code, err := s.client.GenerateCode(ctx, gen)
	if err != nil {
		return "", translate(err)
	}
	return code, nil
}
