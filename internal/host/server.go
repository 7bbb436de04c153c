package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dbflux/driverkit/internal/protocol"
	"github.com/dbflux/driverkit/internal/wire"
)

// Server accepts connections on a unix socket and serves one Driver to each.
// Connections are independent: every connection negotiates its own hello and
// owns its sessions, and losing one connection never disturbs another.
type Server struct {
	driver Driver
	log    zerolog.Logger
	wg     sync.WaitGroup
}

func NewServer(driver Driver, logger zerolog.Logger) *Server {
	return &Server{driver: driver, log: logger}
}

// ListenAndServe binds the unix socket at path and serves until ctx is
// cancelled. A stale socket file from a previous run is removed before
// binding.
func (s *Server) ListenAndServe(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("host: remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("host: listen %s: %w", path, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// in-flight connections to drain.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("driver host listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("host: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// conn carries the per-connection state: the hello gate, the negotiated
// version, the session table, and the in-flight call registry that backs
// cancellation.
type connState struct {
	srv  *Server
	conn net.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	version  int
	greeted  bool
	caps     []protocol.Capability
	sessions map[uuid.UUID]Session
	inflight map[uint64]context.CancelFunc
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	st := &connState{
		srv:      s,
		conn:     conn,
		log:      s.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		sessions: make(map[uuid.UUID]Session),
		inflight: make(map[uint64]context.CancelFunc),
	}
	defer st.teardown()

	dec := wire.NewDecoder(conn)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		payload, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				st.log.Warn().Err(err).Msg("connection read failed")
			}
			return
		}
		req, err := protocol.DecodeRequest(payload)
		if err != nil {
			st.log.Warn().Err(err).Msg("undecodable request, dropping connection")
			return
		}

		if !st.helloDone() {
			st.serveHello(req)
			continue
		}
		if req.Op == protocol.OpCancel {
			st.serveCancel(req)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			st.serve(ctx, req)
		}()
	}
}

func (c *connState) teardown() {
	c.conn.Close()
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	for _, cancel := range c.inflight {
		cancel()
	}
	c.mu.Unlock()
	for id, sess := range sessions {
		if err := sess.Close(context.Background()); err != nil {
			c.log.Warn().Err(err).Stringer("session", id).Msg("session close on disconnect failed")
		}
	}
}

func (c *connState) helloDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeted
}

// serveHello handles the first request on a connection. Anything other than
// a well-formed hello is a protocol violation answered with a typed error;
// an unbridgeable version gap is answered with version_mismatch so the
// client can report the gap rather than guess.
func (c *connState) serveHello(req *protocol.Request) {
	if req.Op != protocol.OpHello || req.Hello == nil {
		c.reply(protocol.NewErrorResponse(req.ID, nil,
			protocol.Errorf(protocol.CodeInvalidRequest, "hello must be the first request")))
		return
	}

	selected, ok := protocol.Negotiate(req.Hello.SupportedVersions, protocol.SupportedVersions)
	if !ok {
		c.reply(protocol.NewErrorResponse(req.ID, nil,
			protocol.Errorf(protocol.CodeVersionMismatch, "no common protocol version: client offers %v, server supports %v",
				req.Hello.SupportedVersions, protocol.SupportedVersions)))
		return
	}

	granted := make([]protocol.Capability, 0, len(req.Hello.RequestedCapabilities))
	for _, cap := range req.Hello.RequestedCapabilities {
		if protocol.HasCapability(protocol.AllCapabilities, cap) {
			granted = append(granted, cap)
		}
	}

	id := c.srv.driver.Identity()
	c.mu.Lock()
	c.greeted = true
	c.version = selected
	c.caps = granted
	c.mu.Unlock()

	c.log.Debug().
		Str("client", req.Hello.ClientName).
		Int("version", selected).
		Msg("handshake complete")

	c.reply(&protocol.Response{
		Version: selected,
		ID:      req.ID,
		Op:      protocol.OpHello,
		Hello: &protocol.HelloResponse{
			ServerName:      id.Name,
			ServerVersion:   id.Version,
			SelectedVersion: selected,
			Capabilities:    granted,
			DriverKind:      id.Kind,
			Metadata:        id.Metadata,
			Form:            id.Form,
		},
	})
}

// serveCancel stops the in-flight call named by the request, if it is still
// running. Cancelling an unknown or already finished id is a no-op; the ack
// is sent either way.
func (c *connState) serveCancel(req *protocol.Request) {
	if req.Cancel != nil {
		c.mu.Lock()
		cancel, ok := c.inflight[req.Cancel.Of]
		c.mu.Unlock()
		if ok {
			cancel()
		}
	}
	c.reply(&protocol.Response{Version: c.negotiated(), ID: req.ID, Op: protocol.OpCancel})
}

func (c *connState) negotiated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *connState) serve(ctx context.Context, req *protocol.Request) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.inflight[req.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, req.ID)
		c.mu.Unlock()
	}()

	// Any malformed envelope is answered with a typed error, never
	// dispatched: the body pointers are nil on these. Only the unknown-op
	// failure flows through, so dispatch can answer unsupported_method.
	var resp *protocol.Response
	if err := req.Validate(); err != nil && (errors.Is(err, protocol.ErrBodyMismatch) || req.ID == 0) {
		resp = &protocol.Response{Error: protocol.Errorf(protocol.CodeInvalidRequest, "%s", err.Error())}
	} else {
		resp = c.dispatch(ctx, req)
	}
	resp.Version = c.negotiated()
	resp.ID = req.ID
	resp.SessionID = req.SessionID
	if resp.Op == "" && resp.Error == nil {
		resp.Op = req.Op
	}
	c.reply(resp)
}

func (c *connState) reply(resp *protocol.Response) {
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		c.log.Error().Err(err).Msg("response encode failed")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.Encode(c.conn, payload); err != nil {
		c.log.Warn().Err(err).Msg("response write failed")
		c.conn.Close()
	}
}

func (c *connState) session(req *protocol.Request) (Session, *protocol.RPCError) {
	if req.SessionID == nil {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "%s requires a session", req.Op)
	}
	c.mu.Lock()
	sess, ok := c.sessions[*req.SessionID]
	c.mu.Unlock()
	if !ok {
		return nil, protocol.Errorf(protocol.CodeSessionNotFound, "unknown session %s", req.SessionID)
	}
	return sess, nil
}

func unsupported(op protocol.Op) *protocol.Response {
	err := protocol.Errorf(protocol.CodeUnsupportedMethod, "driver does not support %s", op)
	err.Context = map[string]string{"method": string(op)}
	return &protocol.Response{Error: err}
}

func errorResponse(op protocol.Op, err error) *protocol.Response {
	return &protocol.Response{Op: "", Error: toRPCError(op, err)}
}

// toRPCError folds a backend error into the wire taxonomy. Backends may
// return *protocol.RPCError directly to pick their own code; everything else
// becomes a driver error, except context expiry which maps to cancelled or
// timeout so the client sees the true cause.
func toRPCError(op protocol.Op, err error) *protocol.RPCError {
	if rpcErr, ok := protocol.AsRPCError(err); ok {
		return rpcErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return protocol.Errorf(protocol.CodeCancelled, "%s cancelled", op)
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Errorf(protocol.CodeTimeout, "%s timed out", op)
	default:
		return protocol.Errorf(protocol.CodeDriver, "%s", err.Error())
	}
}

func (c *connState) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Op {
	case protocol.OpHello:
		return &protocol.Response{Error: protocol.Errorf(protocol.CodeInvalidRequest, "duplicate hello")}

	case protocol.OpOpenSession:
		if req.OpenSession == nil {
			return &protocol.Response{Error: protocol.Errorf(protocol.CodeInvalidRequest, "open_session body required")}
		}
		sess, err := c.srv.driver.Open(ctx, req.OpenSession.ProfileJSON)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		id := uuid.New()
		c.mu.Lock()
		c.sessions[id] = sess
		c.mu.Unlock()
		c.log.Info().Stringer("session", id).Msg("session opened")
		return &protocol.Response{SessionOpened: &protocol.SessionOpened{SessionID: id}}

	case protocol.OpCloseSession:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		c.mu.Lock()
		delete(c.sessions, *req.SessionID)
		c.mu.Unlock()
		if err := sess.Close(ctx); err != nil {
			return errorResponse(req.Op, err)
		}
		c.log.Info().Stringer("session", req.SessionID).Msg("session closed")
		return &protocol.Response{}

	case protocol.OpPing:
		if req.SessionID == nil {
			return &protocol.Response{}
		}
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		if err := sess.Ping(ctx); err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{}

	case protocol.OpExecute:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		result, err := sess.Execute(ctx, *req.Execute)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Result: result}

	case protocol.OpSchema:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		snapshot, err := sess.Schema(ctx)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Schema: snapshot}

	case protocol.OpListDatabases:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		multi, ok := sess.(MultiDatabase)
		if !ok {
			return unsupported(req.Op)
		}
		dbs, err := multi.ListDatabases(ctx)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Databases: dbs}

	case protocol.OpSchemaForDatabase:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		multi, ok := sess.(MultiDatabase)
		if !ok {
			return unsupported(req.Op)
		}
		schema, err := multi.SchemaForDatabase(ctx, req.SchemaForDatabase.Database)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{DatabaseSchema: schema}

	case protocol.OpSetActiveDatabase:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		multi, ok := sess.(MultiDatabase)
		if !ok {
			return unsupported(req.Op)
		}
		if err := multi.SetActiveDatabase(ctx, req.SetActiveDatabase.Database); err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{}

	case protocol.OpTableDetails:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		browser, ok := sess.(TableBrowser)
		if !ok {
			return unsupported(req.Op)
		}
		table, err := browser.TableDetails(ctx, *req.TableDetails)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Table: table}

	case protocol.OpBrowseTable:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		browser, ok := sess.(TableBrowser)
		if !ok {
			return unsupported(req.Op)
		}
		result, err := browser.BrowseTable(ctx, *req.BrowseTable)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Result: result}

	case protocol.OpCountTable:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		browser, ok := sess.(TableBrowser)
		if !ok {
			return unsupported(req.Op)
		}
		n, err := browser.CountTable(ctx, *req.CountTable)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Count: &n}

	case protocol.OpUpdateRow:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		editor, ok := sess.(RowEditor)
		if !ok {
			return unsupported(req.Op)
		}
		result, err := editor.UpdateRow(ctx, *req.UpdateRow)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Mutation: result}

	case protocol.OpInsertRow:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		editor, ok := sess.(RowEditor)
		if !ok {
			return unsupported(req.Op)
		}
		result, err := editor.InsertRow(ctx, *req.InsertRow)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Mutation: result}

	case protocol.OpDeleteRow:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		editor, ok := sess.(RowEditor)
		if !ok {
			return unsupported(req.Op)
		}
		result, err := editor.DeleteRow(ctx, *req.DeleteRow)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Mutation: result}

	case protocol.OpKeyScan:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		store, ok := sess.(KeyValueStore)
		if !ok {
			return unsupported(req.Op)
		}
		keys, err := store.KeyScan(ctx, *req.KeyScan)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Keys: keys}

	case protocol.OpKeyGet:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		store, ok := sess.(KeyValueStore)
		if !ok {
			return unsupported(req.Op)
		}
		kv, err := store.KeyGet(ctx, req.KeyGet.Key)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{KeyValue: kv}

	case protocol.OpKeySet:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		store, ok := sess.(KeyValueStore)
		if !ok {
			return unsupported(req.Op)
		}
		if err := store.KeySet(ctx, *req.KeySet); err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{}

	case protocol.OpKeyDelete:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		store, ok := sess.(KeyValueStore)
		if !ok {
			return unsupported(req.Op)
		}
		if err := store.KeyDelete(ctx, req.KeyDelete.Key); err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{}

	case protocol.OpCodeGenerators:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		gen, ok := sess.(CodeGenerator)
		if !ok {
			return unsupported(req.Op)
		}
		gens, err := gen.CodeGenerators(ctx)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{Generators: gens}

	case protocol.OpGenerateCode:
		sess, rpcErr := c.session(req)
		if rpcErr != nil {
			return &protocol.Response{Error: rpcErr}
		}
		gen, ok := sess.(CodeGenerator)
		if !ok {
			return unsupported(req.Op)
		}
		code, err := gen.GenerateCode(ctx, *req.GenerateCode)
		if err != nil {
			return errorResponse(req.Op, err)
		}
		return &protocol.Response{GeneratedCode: &code}

	default:
		return unsupported(req.Op)
	}
}
