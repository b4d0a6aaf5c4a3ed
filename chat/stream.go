package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/seji7/trpgweb/telemetry"
)

// State of a StreamClient connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// EventType enumerates stream events.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventMessage
	EventError
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered on StreamClient.Events. For a malformed frame Type is
// EventMessage, Message.Malformed is set and Err wraps ErrMalformedFrame.
type Event struct {
	Type    EventType
	RoomID  int64
	Message ChatMessage
	Err     error
}

const (
	defaultMaxFrameBytes = 64 << 10
	defaultPingInterval  = 50 * time.Second
	defaultPongWait      = 60 * time.Second
	defaultWriteWait     = 10 * time.Second
)

// StreamOptions configures a StreamClient.
type StreamOptions struct {
	// BaseURL is the ws:// or wss:// root; rooms live under /ws/chat/{roomId}.
	BaseURL string
	// TokenSource, when set, adds an Authorization header to the handshake.
	TokenSource oauth2.TokenSource
	// Renew, when set, is called once if the handshake is rejected with 401,
	// and the handshake is retried with the renewed token.
	Renew func(ctx context.Context) error
	Identity    Identity
	Dialer      *websocket.Dialer

	MaxFrameBytes int64
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
}

// StreamClient owns the WebSocket for one room at a time.
//
// Events is unbuffered and never closed; the owner must keep draining it while
// a connection is up. After Close returns no further events are delivered for
// the closed connection. Transport failures move the client to Closed and are
// not retried; call Open again to resume.
type StreamClient struct {
	base   *url.URL
	ts     oauth2.TokenSource
	dialer *websocket.Dialer
	opts   StreamOptions
	events chan Event

	mu         sync.Mutex
	state      State
	room       int64
	identity   Identity
	cur        *streamConn
	cancelDial context.CancelFunc
	gen        uint64
}

// NewStreamClient validates opts and returns a closed client.
func NewStreamClient(opts StreamOptions) (*StreamClient, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("chat: invalid ws base url: %w", err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return nil, fmt.Errorf("chat: ws base url must be ws(s), got %q", opts.BaseURL)
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	d := opts.Dialer
	if d == nil {
		d = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	}
	return &StreamClient{
		base:     base,
		ts:       opts.TokenSource,
		dialer:   d,
		opts:     opts,
		identity: opts.Identity,
		events:   make(chan Event),
	}, nil
}

// Events returns the inbound event channel.
func (s *StreamClient) Events() <-chan Event { return s.events }

// State returns the current connection state.
func (s *StreamClient) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the room of the current or last connection, 0 if none.
func (s *StreamClient) RoomID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// SetIdentity changes the sender stamped on outbound frames.
func (s *StreamClient) SetIdentity(id Identity) {
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}

// Endpoint returns the socket URL for roomID.
func (s *StreamClient) Endpoint(roomID int64) string {
	return s.base.JoinPath("ws", "chat", strconv.FormatInt(roomID, 10)).String()
}

// Open connects to roomID. It is a no-op while already Connecting or Open for
// the same room; a different room replaces the current connection.
func (s *StreamClient) Open(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	if (s.state == StateOpen || s.state == StateConnecting) && s.room == roomID {
		s.mu.Unlock()
		return nil
	}
	old := s.detachLocked()
	s.state = StateConnecting
	s.room = roomID
	gen := s.gen
	dctx, cancel := context.WithCancel(ctx)
	s.cancelDial = cancel
	s.mu.Unlock()
	defer cancel()

	if old != nil {
		old.shutdown()
	}

	endpoint := s.Endpoint(roomID)
	connID := uuid.NewString()
	dctx, span := telemetry.StartSpan(dctx, telemetry.ComponentChat, "stream.open", telemetry.RoomAttr(roomID), telemetry.ConnAttr(connID))
	defer span.End()
	ws, status, err := s.dial(dctx, endpoint, connID)
	if err != nil && status == http.StatusUnauthorized && s.opts.Renew != nil {
		slog.Debug("chat handshake rejected; renewing", slog.Int64("room", roomID), slog.String("conn", connID), slog.String("component", "chat"))
		if rerr := s.opts.Renew(dctx); rerr != nil {
			err = fmt.Errorf("renew for handshake: %w", rerr)
		} else {
			ws, _, err = s.dial(dctx, endpoint, connID)
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		// closed or superseded while dialing
		s.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		err = fmt.Errorf("%w: open room %d aborted", ErrTransport, roomID)
		telemetry.SpanFailed(span, err)
		return err
	}
	s.cancelDial = nil
	if err != nil {
		s.state = StateClosed
		s.mu.Unlock()
		telemetry.Inc(telemetry.ChatTransportErrors)
		err = fmt.Errorf("%w: dial %s: %w", ErrTransport, endpoint, err)
		telemetry.SpanFailed(span, err)
		return err
	}
	c := newStreamConn(connID, roomID, ws)
	s.cur = c
	s.state = StateOpen
	telemetry.AddGauge(telemetry.ChatConnectionsOpen, 1)
	c.wg.Add(2)
	go s.readLoop(c)
	go s.writeLoop(c)
	s.mu.Unlock()

	telemetry.SpanOK(span)
	slog.Info("chat stream open", slog.Int64("room", roomID), slog.String("conn", connID), slog.String("component", "chat"))
	return nil
}

// dial performs one handshake. The socket is closed as soon as ctx is
// cancelled, including while the server has not answered the upgrade yet.
// status is the handshake response code, 0 when there was none.
func (s *StreamClient) dial(ctx context.Context, endpoint, connID string) (*websocket.Conn, int, error) {
	header := http.Header{}
	header.Set("X-Correlation-ID", connID)
	if s.ts != nil {
		if tok, err := s.ts.Token(); err == nil {
			header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
		}
	}

	d := *s.dialer
	netDial := d.NetDialContext
	if netDial == nil && d.NetDial != nil {
		plain := d.NetDial
		netDial = func(_ context.Context, network, addr string) (net.Conn, error) { return plain(network, addr) }
	}
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	var stop func() bool
	d.NetDialContext = func(dialCtx context.Context, network, addr string) (net.Conn, error) {
		conn, err := netDial(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}
		stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
		return conn, nil
	}

	ws, resp, err := d.DialContext(ctx, endpoint, header)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}
	if stop != nil && !stop() && err == nil {
		// cancelled right after the upgrade; the hook already closed the socket
		_ = ws.Close()
		return nil, status, ctx.Err()
	}
	return ws, status, err
}

// Send transmits content stamped with the current identity and a client-side
// timestamp. It returns ErrNotOpen unless the stream is Open.
func (s *StreamClient) Send(ctx context.Context, content string) error {
	s.mu.Lock()
	c, st, id := s.cur, s.state, s.identity
	s.mu.Unlock()
	if st != StateOpen || c == nil {
		return ErrNotOpen
	}
	frame, err := encodeFrame(id, content, time.Now())
	if err != nil {
		return err
	}
	o := outbound{data: frame, result: make(chan error, 1)}
	select {
	case c.out <- o:
	case <-c.broken:
		return ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.result:
		if err != nil {
			return fmt.Errorf("%w: send: %v", ErrTransport, err)
		}
		telemetry.Inc(telemetry.ChatMessagesSent)
		return nil
	case <-c.broken:
		return ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the connection from any state. It is idempotent and waits
// for the connection's goroutines, so no events for it arrive after return.
func (s *StreamClient) Close() error {
	s.mu.Lock()
	c := s.detachLocked()
	s.mu.Unlock()
	if c != nil {
		c.shutdown()
	}
	return nil
}

// detachLocked moves to Closed and hands back the connection to shut down.
func (s *StreamClient) detachLocked() *streamConn {
	s.gen++
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	c := s.cur
	s.cur = nil
	s.state = StateClosed
	return c
}

// transportFailed marks c dead. The conn stays attached so the next Close or
// Open reaps its goroutines.
func (s *StreamClient) transportFailed(c *streamConn, err error) {
	s.mu.Lock()
	if s.cur == c {
		s.state = StateClosed
	}
	s.mu.Unlock()
	c.closeTransport()

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		telemetry.Inc(telemetry.ChatTransportErrors)
		slog.Warn("chat stream transport error", slog.Int64("room", c.roomID), slog.String("conn", c.id), slog.Any("err", err), slog.String("component", "chat"))
		if !s.emit(c, Event{Type: EventError, RoomID: c.roomID, Err: fmt.Errorf("%w: %v", ErrTransport, err)}) {
			return
		}
	}
	s.emit(c, Event{Type: EventClosed, RoomID: c.roomID})
}

// emit delivers ev unless c is shut down by its owner first.
func (s *StreamClient) emit(c *streamConn, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (s *StreamClient) readLoop(c *streamConn) {
	defer c.wg.Done()
	ws := c.ws
	ws.SetReadLimit(s.opts.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	if !s.emit(c, Event{Type: EventConnected, RoomID: c.roomID}) {
		return
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			s.transportFailed(c, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		telemetry.Inc(telemetry.ChatFramesReceived)

		msg, perr := decodeFrame(data, time.Now())
		if perr != nil {
			telemetry.Inc(telemetry.ChatFramesMalformed)
			slog.Debug("malformed chat frame", slog.Int64("room", c.roomID), slog.String("conn", c.id), slog.Any("err", perr), slog.String("component", "chat"))
		}
		if !s.emit(c, Event{Type: EventMessage, RoomID: c.roomID, Message: msg, Err: perr}) {
			return
		}
	}
}

func (s *StreamClient) writeLoop(c *streamConn) {
	defer c.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.broken:
			return
		case o := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			err := c.ws.WriteMessage(websocket.TextMessage, o.data)
			o.result <- err
			if err != nil {
				c.closeTransport()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				c.closeTransport()
				return
			}
		}
	}
}

type outbound struct {
	data   []byte
	result chan error
}

// streamConn is one connection generation.
type streamConn struct {
	id     string
	roomID int64
	ws     *websocket.Conn
	out    chan outbound

	// done is closed by the owner (Close or a new Open); broken when the socket is released.
	done       chan struct{}
	broken     chan struct{}
	doneOnce   sync.Once
	brokenOnce sync.Once
	wg         sync.WaitGroup
}

func newStreamConn(id string, roomID int64, ws *websocket.Conn) *streamConn {
	return &streamConn{
		id:     id,
		roomID: roomID,
		ws:     ws,
		out:    make(chan outbound),
		done:   make(chan struct{}),
		broken: make(chan struct{}),
	}
}

func (c *streamConn) closeTransport() {
	c.brokenOnce.Do(func() {
		close(c.broken)
		if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Debug("chat socket close", slog.String("conn", c.id), slog.Any("err", err), slog.String("component", "chat"))
		}
		telemetry.AddGauge(telemetry.ChatConnectionsOpen, -1)
	})
}

func (c *streamConn) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	})
	c.closeTransport()
	c.wg.Wait()
}
