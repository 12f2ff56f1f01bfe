package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/caps/internal/clock"
	"github.com/roach88/caps/internal/configsync"
	"github.com/roach88/caps/internal/ids"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/replay"
)

var (
	// ErrNotConnected is returned when no authenticated session exists.
	ErrNotConnected = errors.New("cloud channel not connected")
	// ErrAuthFailed is returned when the cloud refuses the handshake.
	ErrAuthFailed = errors.New("cloud authentication failed")
)

// DeltaApplier applies configuration deltas pushed by the cloud.
type DeltaApplier interface {
	ApplyDelta(ctx context.Context, d configsync.Delta) (configsync.Result, error)
}

// Options configures a Client.
type Options struct {
	URL        string
	PropertyID string
	HostID     string
	Secret     []byte
	// MinVersion is the oldest envelope version accepted from the cloud.
	MinVersion int
	// RequestTimeout bounds every request/response exchange. It must stay
	// below the lock TTL.
	RequestTimeout time.Duration
	Dialer         *websocket.Dialer
}

// Client maintains the cloud session. It implements connectivity.Prober
// through Probe and replay.Sender through Send.
type Client struct {
	opts   Options
	deltas DeltaApplier
	clk    clock.Clock
	ids    ids.Generator

	connMu sync.Mutex // serializes Connect
	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Envelope
}

// NewClient creates a disconnected client.
func NewClient(opts Options, deltas DeltaApplier, clk clock.Clock, gen ids.Generator) *Client {
	if opts.MinVersion <= 0 {
		opts.MinVersion = 1
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:    opts,
		deltas:  deltas,
		clk:     clk,
		ids:     gen,
		pending: make(map[string]chan Envelope),
	}
}

// Connected reports whether an authenticated session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the cloud and completes the handshake. It is a no-op when
// already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.Connected() {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial cloud: %w", err)
	}
	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	slog.Info("cloud connected", "url", c.opts.URL, "property_id", c.opts.PropertyID)
	return nil
}

// Close ends the session, failing any requests still waiting.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	c.drop(conn)
	return err
}

// Probe sends a heartbeat and waits for its acknowledgement, connecting
// first if needed.
func (c *Client) Probe(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	_, err := c.request(ctx, TypeHeartbeat, nil, TypeHeartbeatAck)
	return err
}

// Send delivers a batch and returns the cloud's per-item results.
// Transport failures are reported as transient delivery errors.
func (c *Client) Send(ctx context.Context, kind replay.BatchKind, items []model.SyncQueueItem) ([]replay.Ack, error) {
	typ := TypeTransactionPost
	if kind == replay.BatchReplay {
		typ = TypeReplayBatch
	}

	batch := Batch{Items: make([]BatchItem, len(items))}
	for i, item := range items {
		batch.Items[i] = BatchItem{
			ItemID:     item.ID,
			DedupeKey:  item.DedupeKey,
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Action:     item.Action,
			Payload:    json.RawMessage(item.Payload),
		}
	}

	if !c.Connected() {
		return nil, &replay.DeliveryError{Kind: replay.Transient, Err: ErrNotConnected}
	}
	reply, err := c.request(ctx, typ, batch, TypeBatchAck)
	if err != nil {
		return nil, &replay.DeliveryError{Kind: replay.Transient, Err: err}
	}
	var ack BatchAck
	if err := reply.Unmarshal(&ack); err != nil {
		return nil, &replay.DeliveryError{Kind: replay.Transient, Err: err}
	}
	return ack.Results, nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	hello, err := c.envelope(TypeHello, Hello{PropertyID: c.opts.PropertyID, HostID: c.opts.HostID}, "")
	if err != nil {
		return err
	}
	if err := c.writeTo(ctx, conn, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	env, err := c.readFrom(ctx, conn)
	if err != nil {
		return fmt.Errorf("await challenge: %w", err)
	}
	if env.Type == TypeError {
		return c.refusal(env)
	}
	if env.Type != TypeChallenge {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformed, TypeChallenge, env.Type)
	}
	var ch Challenge
	if err := env.Unmarshal(&ch); err != nil {
		return err
	}

	auth, err := c.envelope(TypeAuth, Auth{
		PropertyID: c.opts.PropertyID,
		Signature:  Sign(c.opts.Secret, ch.Nonce),
	}, env.ID)
	if err != nil {
		return err
	}
	if err := c.writeTo(ctx, conn, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	env, err = c.readFrom(ctx, conn)
	if err != nil {
		return fmt.Errorf("await auth result: %w", err)
	}
	switch env.Type {
	case TypeAuthOK:
		return nil
	case TypeError:
		return c.refusal(env)
	default:
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformed, TypeAuthOK, env.Type)
	}
}

func (c *Client) refusal(env Envelope) error {
	var body ErrorBody
	_ = json.Unmarshal(env.Payload, &body)
	return fmt.Errorf("%w: %s %s", ErrAuthFailed, body.Code, body.Message)
}

// request sends a message and waits for the reply correlated with it.
func (c *Client) request(ctx context.Context, typ MessageType, payload any, want MessageType) (Envelope, error) {
	env, err := c.envelope(typ, payload, "")
	if err != nil {
		return Envelope{}, err
	}

	reply := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.ID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.write(ctx, env); err != nil {
		return Envelope{}, err
	}

	select {
	case r := <-reply:
		if r.Type == TypeError {
			var body ErrorBody
			_ = json.Unmarshal(r.Payload, &body)
			return Envelope{}, fmt.Errorf("cloud refused %s: %s %s", typ, body.Code, body.Message)
		}
		if r.Type != want {
			return Envelope{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformed, want, r.Type)
		}
		return r, nil
	case <-done:
		return Envelope{}, ErrNotConnected
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%s: %w", typ, ctx.Err())
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.drop(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				slog.Warn("cloud connection lost", "error", err)
			}
			return
		}
		env, err := Decode(data, c.opts.MinVersion)
		if err != nil {
			slog.Warn("cloud envelope refused", "error", err)
			continue
		}
		if env.CorrelationID != "" && c.deliver(env) {
			continue
		}
		c.handle(env)
	}
}

func (c *Client) deliver(env Envelope) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// handle answers messages the cloud initiates.
func (c *Client) handle(env Envelope) {
	ctx := context.Background()
	switch env.Type {
	case TypeHeartbeat:
		ack, err := c.envelope(TypeHeartbeatAck, nil, env.ID)
		if err == nil {
			err = c.write(ctx, ack)
		}
		if err != nil {
			slog.Warn("heartbeat ack failed", "error", err)
		}
	case TypeConfigDelta:
		c.applyDelta(ctx, env)
	default:
		slog.Debug("cloud message ignored", "type", env.Type, "id", env.ID)
	}
}

func (c *Client) applyDelta(ctx context.Context, env Envelope) {
	var ack ConfigAck
	var d configsync.Delta
	if err := env.Unmarshal(&d); err != nil {
		ack.Code, ack.Error = "MALFORMED", err.Error()
	} else if res, err := c.deltas.ApplyDelta(ctx, d); err != nil {
		ack.Code, ack.Error = deltaCode(err), err.Error()
	} else {
		ack.Version = res.Version
	}

	reply, err := c.envelope(TypeConfigAck, ack, env.ID)
	if err == nil {
		ctx, cancel := c.withTimeout(ctx)
		err = c.write(ctx, reply)
		cancel()
	}
	if err != nil {
		slog.Warn("config ack failed", "error", err)
	}
}

func deltaCode(err error) string {
	switch {
	case errors.Is(err, configsync.ErrIncompatible):
		return "INCOMPATIBLE"
	case errors.Is(err, configsync.ErrVersionMismatch):
		return "VERSION_MISMATCH"
	case errors.Is(err, configsync.ErrUnknownTable):
		return "UNKNOWN_TABLE"
	case errors.Is(err, configsync.ErrInvalidChange):
		return "INVALID_CHANGE"
	default:
		return "APPLY_FAILED"
	}
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	close(c.done)
	c.done = nil
}

func (c *Client) envelope(typ MessageType, payload any, correlationID string) (Envelope, error) {
	env := Envelope{
		V:             ProtocolVersion,
		Type:          typ,
		ID:            c.ids.New(),
		CorrelationID: correlationID,
		SentAt:        c.clk.Now(),
	}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
		}
		env.Payload = body
	}
	return env, nil
}

func (c *Client) write(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeTo(ctx, conn, env)
}

func (c *Client) writeTo(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(env)
}

// readFrom is used only during the handshake, before readLoop owns the
// connection.
func (c *Client) readFrom(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	return Decode(data, c.opts.MinVersion)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}
