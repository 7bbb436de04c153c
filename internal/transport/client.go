// Package transport owns one connection to one driver-host service. It
// performs the Hello handshake, serializes requests, correlates responses by
// id through a dedicated read loop, and exposes a call-per-operation
// surface. One logical session is open per connection at a time; concurrent
// calls against that session interleave through the pending-call table.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dbflux/driverkit/internal/observability"
	"github.com/dbflux/driverkit/internal/protocol"
	"github.com/dbflux/driverkit/internal/wire"
)

type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateReady
	StateSessionOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateSessionOpen:
		return "session_open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	ErrClosed             = errors.New("transport: connection closed")
	ErrNotReady           = errors.New("transport: connection not ready")
	ErrNoSession          = errors.New("transport: no session open")
	ErrSessionAlreadyOpen = errors.New("transport: session already open")
	ErrHandshakeFailed    = errors.New("transport: handshake failed")
	ErrProtocolViolation  = errors.New("transport: protocol violation")
	ErrUnexpectedResponse = errors.New("transport: unexpected response variant")
	ErrPingTimeout        = errors.New("transport: no pong within the liveness bound")
)

// Config describes one connection attempt.
type Config struct {
	SocketPath            string
	ClientName            string
	ClientVersion         string
	SupportedVersions     []int
	RequestedCapabilities []protocol.Capability
	// HandshakeTimeout bounds the Hello exchange; callers feed the service's
	// startup timeout here.
	HandshakeTimeout time.Duration
	// PingTimeout bounds a liveness probe when the caller's context carries
	// no deadline of its own.
	PingTimeout time.Duration
	// CancelAckTimeout bounds how long the throwaway pending slot for a
	// fire-and-forget cancel request waits for its ack before being
	// reclaimed.
	CancelAckTimeout time.Duration
	Logger           zerolog.Logger
	// Dial overrides the unix-socket dialer, mainly for tests.
	Dial func(ctx context.Context) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.ClientName == "" {
		c.ClientName = "driverkit"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
	if len(c.SupportedVersions) == 0 {
		c.SupportedVersions = protocol.SupportedVersions
	}
	if len(c.RequestedCapabilities) == 0 {
		c.RequestedCapabilities = protocol.AllCapabilities
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 3 * time.Second
	}
	if c.CancelAckTimeout <= 0 {
		c.CancelAckTimeout = 5 * time.Second
	}
	if c.Dial == nil {
		path := c.SocketPath
		c.Dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
	}
	return c
}

// HandshakeRecord is the immutable outcome of a successful Hello exchange.
// It is the source of truth for everything the application knows about the
// driver behind this connection.
type HandshakeRecord struct {
	ServerName    string
	ServerVersion string
	Version       int
	Capabilities  []protocol.Capability
	DriverKind    protocol.DriverKind
	Metadata      protocol.DriverMetadata
	Form          protocol.FormDefinition
}

// Supports reports whether the service granted a capability.
func (r *HandshakeRecord) Supports(c protocol.Capability) bool {
	return protocol.HasCapability(r.Capabilities, c)
}

// Client drives one framed connection. Safe for concurrent callers.
type Client struct {
	cfg Config
	log zerolog.Logger

	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	record  *HandshakeRecord
	session *uuid.UUID
	pending map[uint64]chan *protocol.Response
	fatal   error
	done    chan struct{}

	nextID atomic.Uint64
}

// Connect dials the socket, performs the Hello handshake, and returns a
// client in the Ready state. A VersionMismatch error response, a non-Hello
// response, or a handshake timeout all close the connection.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	conn, err := cfg.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", cfg.SocketPath, err)
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("socket", cfg.SocketPath).Logger(),
		conn:    conn,
		state:   StateHandshaking,
		pending: make(map[uint64]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.fail(err)
		return nil, err
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handshake returns the negotiated record; nil before Ready.
func (c *Client) Handshake() *HandshakeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

// SessionID returns the open session id, if any.
func (c *Client) SessionID() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return uuid.UUID{}, false
	}
	return *c.session, true
}

// Close tears the connection down. Outstanding calls fail with a
// Transport-class error; any open session is considered abandoned and the
// server side is not assumed to have released its resources.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()
	c.fail(ErrClosed)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	id := c.nextID.Add(1)
	req := &protocol.Request{
		Version: protocol.Version,
		ID:      id,
		Op:      protocol.OpHello,
		Hello: &protocol.HelloRequest{
			ClientName:            c.cfg.ClientName,
			ClientVersion:         c.cfg.ClientVersion,
			SupportedVersions:     c.cfg.SupportedVersions,
			RequestedCapabilities: c.cfg.RequestedCapabilities,
		},
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	resp, err := c.roundTrip(hctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if rpcErr := resp.Error; rpcErr != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, rpcErr)
	}
	hello := resp.Hello
	if hello == nil {
		return fmt.Errorf("%w: non-hello response during handshake", ErrProtocolViolation)
	}
	if !containsVersion(c.cfg.SupportedVersions, hello.SelectedVersion) {
		return fmt.Errorf("%w: server selected unsupported version %d",
			ErrHandshakeFailed, hello.SelectedVersion)
	}

	record := &HandshakeRecord{
		ServerName:    hello.ServerName,
		ServerVersion: hello.ServerVersion,
		Version:       hello.SelectedVersion,
		Capabilities:  hello.Capabilities,
		DriverKind:    hello.DriverKind,
		Metadata:      hello.Metadata,
		Form:          hello.Form,
	}

	c.mu.Lock()
	c.record = record
	c.state = StateReady
	c.mu.Unlock()

	c.log.Info().
		Str("server", hello.ServerName).
		Str("server_version", hello.ServerVersion).
		Int("protocol_version", hello.SelectedVersion).
		Str("driver", string(hello.DriverKind)).
		Msg("handshake complete")
	return nil
}

func containsVersion(versions []int, v int) bool {
	for _, have := range versions {
		if have == v {
			return true
		}
	}
	return false
}

// call builds, sends, and awaits one correlated request against the current
// session. build fills the variant body on the prepared envelope.
func (c *Client) call(ctx context.Context, op protocol.Op, build func(*protocol.Request)) (*protocol.Response, error) {
	c.mu.Lock()
	if c.state != StateReady && c.state != StateSessionOpen {
		state := c.state
		c.mu.Unlock()
		if state == StateDisconnected || state == StateClosing {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	session := c.session
	c.mu.Unlock()

	req := &protocol.Request{
		Version:   protocol.Version,
		ID:        c.nextID.Add(1),
		SessionID: session,
		Op:        op,
	}
	if build != nil {
		build(req)
	}

	start := time.Now()
	resp, err := c.roundTrip(ctx, req)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "transport_error"
	case resp.Error != nil:
		outcome = string(resp.Error.Code)
	}
	observability.RecordCall(string(op), outcome, time.Since(start))
	return resp, err
}

// roundTrip registers a pending call, writes the frame, and waits for the
// correlated response, the context, or connection death.
func (c *Client) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ch := make(chan *protocol.Response, 1)

	c.mu.Lock()
	if c.state == StateDisconnected {
		err := c.fatal
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	if _, exists := c.pending[req.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate correlation id %d", ErrProtocolViolation, req.ID)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.removePending(req.ID)
		c.fail(err)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil && resp.Error.Code == protocol.CodeTransport {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		c.removePending(req.ID)
		c.cancelRemote(req.ID)
		return nil, &protocol.RPCError{Code: protocol.CodeCancelled, Message: ctx.Err().Error()}
	case <-c.done:
		c.mu.Lock()
		err := c.fatal
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
}

// cancelRemote tells the peer to stop work for an abandoned call. Dropping
// local interest alone is not enough: without this request the service has
// no signal that the work should stop. When the peer did not grant the
// cancellation capability the call simply runs to completion server-side.
func (c *Client) cancelRemote(of uint64) {
	c.mu.Lock()
	record := c.record
	session := c.session
	live := c.state == StateReady || c.state == StateSessionOpen
	c.mu.Unlock()
	if !live || record == nil || !record.Supports(protocol.CapCancellation) {
		return
	}

	id := c.nextID.Add(1)
	req := &protocol.Request{
		Version:   protocol.Version,
		ID:        id,
		SessionID: session,
		Op:        protocol.OpCancel,
		Cancel:    &protocol.CancelRequest{Of: of},
	}

	// Fire and forget: the ack is consumed by the read loop via a pending
	// slot nobody waits on. The slot is reclaimed after a bound so a peer
	// that never acks cannot grow the pending table.
	c.mu.Lock()
	c.pending[id] = make(chan *protocol.Response, 1)
	c.mu.Unlock()
	if err := c.send(req); err != nil {
		c.removePending(id)
		c.log.Warn().Uint64("of", of).Err(err).Msg("cancel request failed")
		return
	}
	time.AfterFunc(c.cfg.CancelAckTimeout, func() { c.removePending(id) })
}

func (c *Client) send(req *protocol.Request) error {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.Encode(c.conn, payload); err != nil {
		return err
	}
	observability.RecordFrame("write", len(payload))
	return nil
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop decodes frames and resolves pending calls strictly by correlation
// id; response arrival order carries no meaning. Any framing or decode
// failure is fatal for the connection.
func (c *Client) readLoop() {
	dec := wire.NewDecoder(c.conn)
	for {
		payload, err := dec.Next()
		if err != nil {
			c.fail(err)
			return
		}
		observability.RecordFrame("read", len(payload))

		resp, err := protocol.DecodeResponse(payload)
		if err != nil {
			c.fail(err)
			return
		}
		if !c.dispatch(resp) {
			return
		}
	}
}

// dispatch resolves one response. Returns false when the connection must
// terminate.
func (c *Client) dispatch(resp *protocol.Response) bool {
	c.mu.Lock()
	if c.state == StateHandshaking && resp.Op != protocol.OpHello && resp.Error == nil {
		c.mu.Unlock()
		c.fail(fmt.Errorf("%w: %q response while handshaking", ErrProtocolViolation, resp.Op))
		return false
	}
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn().Uint64("id", resp.ID).Str("op", string(resp.Op)).Msg("unmatched response dropped")
		return true
	}
	ch <- resp
	return true
}

// fail moves the client to Disconnected and settles every pending call with
// a Transport-class error. Idempotent.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	wasClosing := c.state == StateClosing
	c.state = StateDisconnected
	c.fatal = cause
	c.session = nil
	pending := c.pending
	c.pending = make(map[uint64]chan *protocol.Response)
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.Close()

	rpcErr := &protocol.RPCError{Code: protocol.CodeTransport, Message: cause.Error()}
	for id, ch := range pending {
		ch <- &protocol.Response{Version: protocol.Version, ID: id, Error: rpcErr}
	}

	if wasClosing || errors.Is(cause, ErrClosed) {
		c.log.Debug().Msg("connection closed")
	} else {
		c.log.Warn().Err(cause).Int("failed_calls", len(pending)).Msg("connection lost")
	}
}
