package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dbflux/driverkit/internal/protocol"
)

// OpenSession opens the single logical session this connection carries. The
// profile blob is opaque to the transport.
func (c *Client) OpenSession(ctx context.Context, profileJSON string) (uuid.UUID, error) {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected, StateClosing:
		c.mu.Unlock()
		return uuid.UUID{}, ErrClosed
	case StateSessionOpen:
		c.mu.Unlock()
		return uuid.UUID{}, ErrSessionAlreadyOpen
	case StateReady:
	default:
		state := c.state
		c.mu.Unlock()
		return uuid.UUID{}, fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	c.mu.Unlock()

	resp, err := c.call(ctx, protocol.OpOpenSession, func(req *protocol.Request) {
		req.OpenSession = &protocol.OpenSessionRequest{ProfileJSON: profileJSON}
	})
	if err != nil {
		return uuid.UUID{}, err
	}
	if rpcErr := resp.Err(); rpcErr != nil {
		return uuid.UUID{}, rpcErr
	}
	if resp.SessionOpened == nil {
		return uuid.UUID{}, fmt.Errorf("%w: to open_session", ErrUnexpectedResponse)
	}

	sid := resp.SessionOpened.SessionID
	c.mu.Lock()
	if c.state == StateReady {
		c.session = &sid
		c.state = StateSessionOpen
	}
	c.mu.Unlock()
	return sid, nil
}

// CloseSession releases the open session and returns the transport to
// Ready. On an already-disconnected transport it returns ErrClosed: local
// cleanup has happened regardless, but server-side resources cannot be
// assumed released.
func (c *Client) CloseSession(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.mu.Unlock()

	resp, err := c.call(ctx, protocol.OpCloseSession, nil)
	if err != nil {
		return err
	}
	if rpcErr := resp.Err(); rpcErr != nil {
		return rpcErr
	}

	c.mu.Lock()
	if c.state == StateSessionOpen {
		c.session = nil
		c.state = StateReady
	}
	c.mu.Unlock()
	return nil
}

// Ping probes for a silently dead peer. Usable in Ready or SessionOpen. A
// missing Pong within the bound means the peer is gone: the connection moves
// to Disconnected and every pending call fails, exactly as for a socket
// failure. Caller cancellation stays an ordinary cancelled call.
func (c *Client) Ping(ctx context.Context) error {
	pctx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.cfg.PingTimeout)
		defer cancel()
	}
	resp, err := c.call(pctx, protocol.OpPing, nil)
	if err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			c.fail(ErrPingTimeout)
			return ErrPingTimeout
		}
		return err
	}
	return resp.Err()
}

// Execute runs one statement in the open session.
func (c *Client) Execute(ctx context.Context, q protocol.QueryRequest) (*protocol.QueryResult, error) {
	resp, err := c.call(ctx, protocol.OpExecute, func(req *protocol.Request) {
		req.Execute = &q
	})
	return expectBody(resp, err, protocol.OpExecute, func(r *protocol.Response) *protocol.QueryResult { return r.Result })
}

// Schema fetches the full introspection snapshot.
func (c *Client) Schema(ctx context.Context) (*protocol.SchemaSnapshot, error) {
	resp, err := c.call(ctx, protocol.OpSchema, nil)
	return expectBody(resp, err, protocol.OpSchema, func(r *protocol.Response) *protocol.SchemaSnapshot { return r.Schema })
}

func (c *Client) ListDatabases(ctx context.Context) ([]protocol.DatabaseInfo, error) {
	resp, err := c.call(ctx, protocol.OpListDatabases, nil)
	if err != nil {
		return nil, err
	}
	if rpcErr := resp.Err(); rpcErr != nil {
		return nil, rpcErr
	}
	return resp.Databases, nil
}

func (c *Client) SchemaForDatabase(ctx context.Context, database string) (*protocol.DatabaseSchema, error) {
	resp, err := c.call(ctx, protocol.OpSchemaForDatabase, func(req *protocol.Request) {
		req.SchemaForDatabase = &protocol.DatabaseRef{Database: database}
	})
	return expectBody(resp, err, protocol.OpSchemaForDatabase, func(r *protocol.Response) *protocol.DatabaseSchema { return r.DatabaseSchema })
}

func (c *Client) TableDetails(ctx context.Context, ref protocol.TableRef) (*protocol.TableInfo, error) {
	resp, err := c.call(ctx, protocol.OpTableDetails, func(req *protocol.Request) {
		req.TableDetails = &ref
	})
	return expectBody(resp, err, protocol.OpTableDetails, func(r *protocol.Response) *protocol.TableInfo { return r.Table })
}

func (c *Client) SetActiveDatabase(ctx context.Context, database *string) error {
	resp, err := c.call(ctx, protocol.OpSetActiveDatabase, func(req *protocol.Request) {
		req.SetActiveDatabase = &protocol.ActiveDatabase{Database: database}
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) BrowseTable(ctx context.Context, b protocol.BrowseRequest) (*protocol.QueryResult, error) {
	resp, err := c.call(ctx, protocol.OpBrowseTable, func(req *protocol.Request) {
		req.BrowseTable = &b
	})
	return expectBody(resp, err, protocol.OpBrowseTable, func(r *protocol.Response) *protocol.QueryResult { return r.Result })
}

func (c *Client) CountTable(ctx context.Context, cr protocol.CountRequest) (uint64, error) {
	resp, err := c.call(ctx, protocol.OpCountTable, func(req *protocol.Request) {
		req.CountTable = &cr
	})
	n, err := expectBody(resp, err, protocol.OpCountTable, func(r *protocol.Response) *uint64 { return r.Count })
	if err != nil {
		return 0, err
	}
	return *n, nil
}

func (c *Client) UpdateRow(ctx context.Context, patch protocol.RowPatch) (*protocol.CrudResult, error) {
	resp, err := c.call(ctx, protocol.OpUpdateRow, func(req *protocol.Request) {
		req.UpdateRow = &patch
	})
	return expectBody(resp, err, protocol.OpUpdateRow, func(r *protocol.Response) *protocol.CrudResult { return r.Mutation })
}

func (c *Client) InsertRow(ctx context.Context, insert protocol.RowInsert) (*protocol.CrudResult, error) {
	resp, err := c.call(ctx, protocol.OpInsertRow, func(req *protocol.Request) {
		req.InsertRow = &insert
	})
	return expectBody(resp, err, protocol.OpInsertRow, func(r *protocol.Response) *protocol.CrudResult { return r.Mutation })
}

func (c *Client) DeleteRow(ctx context.Context, del protocol.RowDelete) (*protocol.CrudResult, error) {
	resp, err := c.call(ctx, protocol.OpDeleteRow, func(req *protocol.Request) {
		req.DeleteRow = &del
	})
	return expectBody(resp, err, protocol.OpDeleteRow, func(r *protocol.Response) *protocol.CrudResult { return r.Mutation })
}

func (c *Client) KeyScan(ctx context.Context, scan protocol.KeyScanRequest) ([]protocol.KeyEntry, error) {
	resp, err := c.call(ctx, protocol.OpKeyScan, func(req *protocol.Request) {
		req.KeyScan = &scan
	})
	if err != nil {
		return nil, err
	}
	if rpcErr := resp.Err(); rpcErr != nil {
		return nil, rpcErr
	}
	return resp.Keys, nil
}

func (c *Client) KeyGet(ctx context.Context, key string) (*protocol.KeyValueResult, error) {
	resp, err := c.call(ctx, protocol.OpKeyGet, func(req *protocol.Request) {
		req.KeyGet = &protocol.KeyRef{Key: key}
	})
	return expectBody(resp, err, protocol.OpKeyGet, func(r *protocol.Response) *protocol.KeyValueResult { return r.KeyValue })
}

func (c *Client) KeySet(ctx context.Context, write protocol.KeyWrite) error {
	resp, err := c.call(ctx, protocol.OpKeySet, func(req *protocol.Request) {
		req.KeySet = &write
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) KeyDelete(ctx context.Context, key string) error {
	resp, err := c.call(ctx, protocol.OpKeyDelete, func(req *protocol.Request) {
		req.KeyDelete = &protocol.KeyRef{Key: key}
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) CodeGenerators(ctx context.Context) ([]protocol.GeneratorInfo, error) {
	resp, err := c.call(ctx, protocol.OpCodeGenerators, nil)
	if err != nil {
		return nil, err
	}
	if rpcErr := resp.Err(); rpcErr != nil {
		return nil, rpcErr
	}
	return resp.Generators, nil
}

func (c *Client) GenerateCode(ctx context.Context, gen protocol.GenerateCodeRequest) (string, error) {
	resp, err := c.call(ctx, protocol.OpGenerateCode, func(req *protocol.Request) {
		req.GenerateCode = &gen
	})
	code, err := expectBody(resp, err, protocol.OpGenerateCode, func(r *protocol.Response) *string { return r.GeneratedCode })
	if err != nil {
		return "", err
	}
	return *code, nil
}

// expectBody settles the common pattern: transport error, then RPC error,
// then the variant the op requires.
func expectBody[T any](resp *protocol.Response, err error, op protocol.Op, pick func(*protocol.Response) *T) (*T, error) {
	if err != nil {
		return nil, err
	}
	if rpcErr := resp.Err(); rpcErr != nil {
		return nil, rpcErr
	}
	body := pick(resp)
	if body == nil {
		return nil, fmt.Errorf("%w: to %s", ErrUnexpectedResponse, op)
	}
	return body, nil
}
