package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/seji7/trpgweb/api"
	"github.com/seji7/trpgweb/telemetry"
)

// HistorySource loads a room's past messages. *HistoryLoader implements it.
type HistorySource interface {
	Load(ctx context.Context, roomID int64) ([]ChatMessage, error)
}

// RoomOptions carries the RoomChat callbacks. Both run on the event goroutine.
type RoomOptions struct {
	// OnMessage receives every entry added to the log, history first.
	OnMessage func(ChatMessage)
	// OnEvent receives every non-message stream event.
	OnEvent func(Event)
}

// Status is a point-in-time view of a RoomChat.
type Status struct {
	RoomID     int64  `json:"room_id"`
	Stream     string `json:"stream"`
	Messages   int    `json:"messages"`
	HistoryErr string `json:"history_error,omitempty"`
}

// RoomChat ties history, the live stream and the reconciler together for the
// room currently on screen.
type RoomChat struct {
	history HistorySource
	stream  *StreamClient
	opts    RoomOptions

	mu         sync.Mutex
	room       int64
	rec        *Reconciler
	historyErr error

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewRoomChat starts the event consumer for stream. Call Close to stop it.
func NewRoomChat(history HistorySource, stream *StreamClient, opts RoomOptions) *RoomChat {
	r := &RoomChat{
		history: history,
		stream:  stream,
		opts:    opts,
		rec:     NewReconciler(nil),
		stop:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.consume()
	return r
}

// Enter loads roomID's history, publishes it, then opens the live stream.
// History failures degrade to an empty log unless the session has ended.
// A stream error is returned but the loaded history stays readable.
// Entering the room already being streamed is a no-op.
func (r *RoomChat) Enter(ctx context.Context, roomID int64) error {
	r.mu.Lock()
	same := r.room == roomID && r.rec != nil
	r.mu.Unlock()
	if same {
		if st := r.stream.State(); (st == StateOpen || st == StateConnecting) && r.stream.RoomID() == roomID {
			return nil
		}
	}

	msgs, err := r.history.Load(ctx, roomID)
	if err != nil {
		if api.Classify(err) == api.SeveritySessionEnded || errors.Is(err, context.Canceled) {
			return err
		}
		slog.Warn("chat history unavailable; continuing with live messages only",
			slog.Int64("room", roomID), slog.Any("err", err), slog.String("component", "chat"))
		msgs = nil
	}
	rec := NewReconciler(msgs)

	r.mu.Lock()
	r.room = roomID
	r.rec = rec
	r.historyErr = err
	r.mu.Unlock()

	if r.opts.OnMessage != nil {
		for _, m := range rec.Messages() {
			r.opts.OnMessage(m)
		}
	}
	return r.stream.Open(ctx, roomID)
}

// Send posts content to the current room.
func (r *RoomChat) Send(ctx context.Context, content string) error {
	return r.stream.Send(ctx, content)
}

// Reconnect reopens the stream for the current room after a transport failure.
func (r *RoomChat) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	room := r.room
	r.mu.Unlock()
	if room == 0 {
		return ErrNotOpen
	}
	return r.stream.Open(ctx, room)
}

// Leave closes the stream. The log is kept until the next Enter.
func (r *RoomChat) Leave() error { return r.stream.Close() }

// Messages returns a snapshot of the current room's log.
func (r *RoomChat) Messages() []ChatMessage {
	r.mu.Lock()
	rec := r.rec
	r.mu.Unlock()
	return rec.Messages()
}

// Status reports the room, stream state and log size.
func (r *RoomChat) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{RoomID: r.room, Stream: r.stream.State().String(), Messages: r.rec.Len()}
	if r.historyErr != nil {
		st.HistoryErr = r.historyErr.Error()
	}
	return st
}

// Close leaves the room and stops the event consumer.
func (r *RoomChat) Close() error {
	err := r.stream.Close()
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
	return err
}

func (r *RoomChat) consume() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case ev := <-r.stream.Events():
			r.handle(ev)
		}
	}
}

func (r *RoomChat) handle(ev Event) {
	r.mu.Lock()
	room, rec := r.room, r.rec
	r.mu.Unlock()
	if ev.RoomID != room {
		// left over from a room the user already left
		return
	}
	switch ev.Type {
	case EventMessage:
		rec.Append(ev.Message)
		if r.opts.OnMessage != nil {
			r.opts.OnMessage(ev.Message)
		}
	case EventError:
		telemetry.LoggerWithCorr(context.Background()).Debug("chat stream error event",
			slog.Int64("room", room), slog.Any("err", ev.Err), slog.String("component", "chat"))
		fallthrough
	default:
		if r.opts.OnEvent != nil {
			r.opts.OnEvent(ev)
		}
	}
}
