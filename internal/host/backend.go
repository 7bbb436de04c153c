// Package host serves one database driver over a unix socket, speaking the
// framed envelope protocol. The host owns the hello gate, version
// negotiation, and the session table; the backend supplies database
// semantics through the Driver and Session interfaces.
package host

import (
	"context"

	"github.com/dbflux/driverkit/internal/protocol"
)

// Identity is the static record a host advertises during the handshake.
type Identity struct {
	Name     string
	Version  string
	Kind     protocol.DriverKind
	Metadata protocol.DriverMetadata
	Form     protocol.FormDefinition
}

// Driver is the backend a host serves. Open decodes the opaque profile blob
// the client collected from the advertised form and establishes one session.
type Driver interface {
	Identity() Identity
	Open(ctx context.Context, profileJSON string) (Session, error)
}

// Session is the mandatory surface of one backend session. Everything beyond
// it is an optional extension; a session that does not implement an extension
// gets those requests answered with an unsupported_method error, which is a
// capability gap rather than a failure.
type Session interface {
	Execute(ctx context.Context, q protocol.QueryRequest) (*protocol.QueryResult, error)
	Schema(ctx context.Context) (*protocol.SchemaSnapshot, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// MultiDatabase is implemented by sessions that can enumerate and switch
// between databases on one server.
type MultiDatabase interface {
	ListDatabases(ctx context.Context) ([]protocol.DatabaseInfo, error)
	SchemaForDatabase(ctx context.Context, database string) (*protocol.DatabaseSchema, error)
	SetActiveDatabase(ctx context.Context, database *string) error
}

// TableBrowser is implemented by sessions that support structured table
// access without hand-written queries.
type TableBrowser interface {
	TableDetails(ctx context.Context, ref protocol.TableRef) (*protocol.TableInfo, error)
	BrowseTable(ctx context.Context, b protocol.BrowseRequest) (*protocol.QueryResult, error)
	CountTable(ctx context.Context, c protocol.CountRequest) (uint64, error)
}

// RowEditor is implemented by sessions that support row-level mutation.
type RowEditor interface {
	UpdateRow(ctx context.Context, patch protocol.RowPatch) (*protocol.CrudResult, error)
	InsertRow(ctx context.Context, insert protocol.RowInsert) (*protocol.CrudResult, error)
	DeleteRow(ctx context.Context, del protocol.RowDelete) (*protocol.CrudResult, error)
}

// KeyValueStore is implemented by sessions over key-value backends.
type KeyValueStore interface {
	KeyScan(ctx context.Context, scan protocol.KeyScanRequest) ([]protocol.KeyEntry, error)
	KeyGet(ctx context.Context, key string) (*protocol.KeyValueResult, error)
	KeySet(ctx context.Context, write protocol.KeyWrite) error
	KeyDelete(ctx context.Context, key string) error
}

// CodeGenerator is implemented by sessions that can emit model code for
// tables.
type CodeGenerator interface {
	CodeGenerators(ctx context.Context) ([]protocol.GeneratorInfo, error)
	GenerateCode(ctx context.Context, gen protocol.GenerateCodeRequest) (string, error)
}
