// Package registry tracks the single live connection of every participant.
package registry

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/louisbranch/proctorvision/internal/platform/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a send targets a participant with no live
// connection.
var ErrNotConnected = errors.New("participant not connected")

// Close codes sent to clients.
const (
	CloseNormal     = 1000
	ClosePreempted  = 4000
	CloseUnknownID  = 4004
	reasonPreempted = "replaced by a newer connection"
)

// Transport is the framed duplex channel behind a connection.
type Transport interface {
	WriteJSON(v any) error
	WriteBinary(data []byte) error
	Close(code int, reason string) error
}

// Connection is one live participant connection.
type Connection struct {
	participant string
	account     int64
	transport   Transport
	ctx         context.Context
	cancel      context.CancelFunc

	writeMu sync.Mutex
}

// Participant returns the participant id that owns the connection.
func (c *Connection) Participant() string { return c.participant }

// Account returns the account id resolved at handshake.
func (c *Connection) Account() int64 { return c.account }

// Context is canceled when the connection is disconnected or preempted.
func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(v)
}

func (c *Connection) writeBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteBinary(data)
}

// Registry owns every live connection.
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	conns    map[string]*Connection
	accounts map[int64]string

	hookMu sync.Mutex
	hooks  []func(participant string)

	live metric.Int64UpDownCounter
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	live, err := otel.Meter("github.com/louisbranch/proctorvision/registry").Int64UpDownCounter(
		"proctor.connections.live",
		metric.WithDescription("Live participant connections."),
	)
	if err != nil {
		logger.Warn("create connection gauge", zap.Error(err))
	}
	return &Registry{
		logger:   logger,
		conns:    make(map[string]*Connection),
		accounts: make(map[int64]string),
		live:     live,
	}
}

// OnDisconnect registers a hook run after a participant is removed.
func (r *Registry) OnDisconnect(hook func(participant string)) {
	if hook == nil {
		return
	}
	r.hookMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hookMu.Unlock()
}

// Connect registers transport as the live connection for participant. Any
// existing connection for the participant is fully disconnected first.
func (r *Registry) Connect(ctx context.Context, participant string, account int64, transport Transport) (*Connection, error) {
	if participant == "" {
		return nil, errors.New("participant is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	connCtx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		participant: participant,
		account:     account,
		transport:   transport,
		ctx:         connCtx,
		cancel:      cancel,
	}

	for {
		r.mu.Lock()
		existing, ok := r.conns[participant]
		if !ok {
			r.conns[participant] = conn
			r.accounts[account] = participant
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()

		r.logger.Info("preempting existing connection", zap.String("participant", participant))
		r.teardown(participant, existing, ClosePreempted, reasonPreempted)
	}

	r.addLive(1)
	r.logger.Info("participant connected",
		zap.String("participant", participant),
		zap.Int64("account", account),
	)
	return conn, nil
}

// Disconnect removes whatever connection participant holds. It is a no-op
// when the participant is not connected.
func (r *Registry) Disconnect(participant string) {
	r.teardown(participant, nil, CloseNormal, "")
}

// Release disconnects conn only while it is still the participant's live
// connection, so a preempted receive loop never removes its successor.
func (r *Registry) Release(conn *Connection) {
	if conn == nil {
		return
	}
	r.teardown(conn.participant, conn, CloseNormal, "")
}

func (r *Registry) teardown(participant string, want *Connection, code int, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[participant]
	if !ok || (want != nil && conn != want) {
		r.mu.Unlock()
		return
	}
	delete(r.conns, participant)
	if r.accounts[conn.account] == participant {
		delete(r.accounts, conn.account)
	}
	r.mu.Unlock()

	conn.cancel()
	if err := conn.transport.Close(code, reason); err != nil {
		r.logger.Debug("close transport", zap.String("participant", participant), zap.Error(err))
	}
	r.addLive(-1)
	r.logger.Info("participant disconnected", zap.String("participant", participant))

	r.hookMu.Lock()
	hooks := append([]func(string){}, r.hooks...)
	r.hookMu.Unlock()
	for _, hook := range hooks {
		hook(participant)
	}
}

// Resolve returns the participant currently connected for account.
func (r *Registry) Resolve(account int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	participant, ok := r.accounts[account]
	return participant, ok
}

// Account returns the account id of a connected participant.
func (r *Registry) Account(participant string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[participant]
	if !ok {
		return 0, false
	}
	return conn.account, true
}

// Connected reports whether participant has a live connection.
func (r *Registry) Connected(participant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[participant]
	return ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Send writes a JSON frame to participant's live connection.
func (r *Registry) Send(participant string, v any) error {
	conn := r.lookup(participant)
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.writeJSON(v); err != nil {
		return apperrors.Wrap(apperrors.CodeTransportFailure, "send to "+participant, err)
	}
	return nil
}

// SendBinary writes a binary frame to participant's live connection.
func (r *Registry) SendBinary(participant string, data []byte) error {
	conn := r.lookup(participant)
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.writeBinary(data); err != nil {
		return apperrors.Wrap(apperrors.CodeTransportFailure, "send to "+participant, err)
	}
	return nil
}

func (r *Registry) lookup(participant string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[participant]
}

func (r *Registry) addLive(delta int64) {
	if r.live != nil {
		r.live.Add(context.Background(), delta)
	}
}
