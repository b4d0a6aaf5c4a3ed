package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seji7/trpgweb/api"
	"github.com/seji7/trpgweb/session"
	"github.com/seji7/trpgweb/testutil"
)

type roomHarness struct {
	backend *testutil.MockBackend
	client  *api.Client
	room    *RoomChat
	got     chan ChatMessage
	events  chan Event
}

func newRoomHarness(t *testing.T) *roomHarness {
	t.Helper()
	m := testutil.NewMockBackend(t)
	store := session.NewStore(nil)
	client, err := api.NewClient(api.Options{BaseURL: m.URL}, store)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Login(context.Background(), api.LoginRequest{Username: "tester", Password: testutil.TestPassword}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	stream, err := NewStreamClient(StreamOptions{BaseURL: m.WSURL(), TokenSource: store, Renew: client.Renew, Identity: Identity{ID: 7, DisplayName: "Tester"}})
	if err != nil {
		t.Fatal(err)
	}
	h := &roomHarness{
		backend: m,
		client:  client,
		got:     make(chan ChatMessage, 32),
		events:  make(chan Event, 8),
	}
	h.room = NewRoomChat(NewHistoryLoader(client, 50, 5), stream, RoomOptions{
		OnMessage: func(m ChatMessage) { h.got <- m },
		OnEvent:   func(ev Event) { h.events <- ev },
	})
	t.Cleanup(func() { _ = h.room.Close() })
	return h
}

func (h *roomHarness) collect(t *testing.T, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		select {
		case m := <-h.got:
			out = append(out, m.Content)
		case <-time.After(3 * time.Second):
			t.Fatalf("got %v, waiting for %d messages", out, n)
		}
	}
	return out
}

func (h *roomHarness) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		if ev.Type != EventConnected {
			t.Fatalf("first event = %v", ev.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream never connected")
	}
}

func TestRoomChatHistoryThenLive(t *testing.T) {
	h := newRoomHarness(t)
	h.backend.SetHistory(4, []testutil.HistoryRow{
		{SenderID: 2, SenderUsername: "lee", Content: "b", CreatedAt: "2024-05-01T10:00:02"},
		{SenderID: 1, SenderUsername: "kim", Content: "a", CreatedAt: "2024-05-01T10:00:01"},
	})

	if err := h.room.Enter(context.Background(), 4); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	h.waitConnected(t)
	waitFor(t, "server registration", func() bool { return h.backend.ConnCount(4) == 1 })

	h.backend.Broadcast(4, []byte(`{"senderId":1,"senderUsername":"kim","content":"c","createdAt":"2024-05-01T10:00:03"}`))
	if err := h.room.Send(context.Background(), "d"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := []string{"a", "b", "c", "d"}
	if got := h.collect(t, 4); !equalStrings(got, want) {
		t.Errorf("delivered = %v, want %v", got, want)
	}
	if got := contents(h.room.Messages()); !equalStrings(got, want) {
		t.Errorf("log = %v, want %v", got, want)
	}
	st := h.room.Status()
	if st.RoomID != 4 || st.Stream != "open" || st.Messages != 4 || st.HistoryErr != "" {
		t.Errorf("Status() = %+v", st)
	}
	if h.backend.LastWSAuth() == "" {
		t.Error("handshake carried no bearer")
	}
}

func TestRoomChatReenterSameRoomKeepsLog(t *testing.T) {
	h := newRoomHarness(t)
	h.backend.SetHistory(3, []testutil.HistoryRow{
		{SenderID: 1, SenderUsername: "kim", Content: "a", CreatedAt: "2024-05-01T10:00:01"},
		{SenderID: 2, SenderUsername: "lee", Content: "b", CreatedAt: "2024-05-01T10:00:02"},
	})
	ctx := context.Background()

	if err := h.room.Enter(ctx, 3); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	h.waitConnected(t)
	waitFor(t, "server registration", func() bool { return h.backend.ConnCount(3) == 1 })
	h.backend.Broadcast(3, []byte(`{"senderId":1,"senderUsername":"kim","content":"c","createdAt":"2024-05-01T10:00:03"}`))
	if got := h.collect(t, 3); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Fatalf("delivered = %v", got)
	}

	if err := h.room.Enter(ctx, 3); err != nil {
		t.Fatalf("second Enter: %v", err)
	}
	select {
	case m := <-h.got:
		t.Errorf("redelivered %q after re-entering", m.Content)
	case <-time.After(100 * time.Millisecond):
	}
	if got := contents(h.room.Messages()); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Errorf("log = %v, want [a b c]", got)
	}
	if n := h.backend.ConnCount(3); n != 1 {
		t.Errorf("server sockets = %d, want 1", n)
	}
	if n := h.backend.Upgrades.Load(); n != 1 {
		t.Errorf("upgrades = %d, want 1", n)
	}
}

func TestRoomChatDegradesWithoutHistory(t *testing.T) {
	h := newRoomHarness(t)
	h.backend.FailHistory.Store(true)

	if err := h.room.Enter(context.Background(), 9); err != nil {
		t.Fatalf("Enter with failing history: %v", err)
	}
	h.waitConnected(t)
	if st := h.room.Status(); st.HistoryErr == "" || st.Messages != 0 {
		t.Errorf("Status() = %+v, want recorded history error and empty log", st)
	}
	if err := h.room.Send(context.Background(), "live only"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := h.collect(t, 1); got[0] != "live only" {
		t.Errorf("delivered = %v", got)
	}
}

func TestRoomChatRenewsExpiredAccessForHistory(t *testing.T) {
	h := newRoomHarness(t)
	h.backend.SetHistory(1, []testutil.HistoryRow{{SenderID: 1, SenderUsername: "kim", Content: "old", CreatedAt: "2024-05-01T10:00:00"}})
	h.backend.ExpireAccess()

	if err := h.room.Enter(context.Background(), 1); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	h.waitConnected(t)
	if got := h.collect(t, 1); got[0] != "old" {
		t.Errorf("history = %v", got)
	}
	if n := h.backend.Renewals.Load(); n != 1 {
		t.Errorf("renewals = %d, want 1", n)
	}
}

func TestRoomChatSessionEndedStopsEnter(t *testing.T) {
	h := newRoomHarness(t)
	h.backend.RejectRenewal.Store(true)
	h.backend.ExpireAccess()

	err := h.room.Enter(context.Background(), 1)
	if !errors.Is(err, api.ErrSessionExpired) {
		t.Fatalf("Enter err = %v, want ErrSessionExpired", err)
	}
	if h.backend.Upgrades.Load() != 0 {
		t.Error("socket opened after the session ended")
	}
	if h.client.Store().Authenticated() {
		t.Error("session not cleared")
	}
}

func TestRoomChatReconnect(t *testing.T) {
	h := newRoomHarness(t)
	if err := h.room.Reconnect(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Reconnect before Enter err = %v, want ErrNotOpen", err)
	}
	if err := h.room.Enter(context.Background(), 6); err != nil {
		t.Fatal(err)
	}
	h.waitConnected(t)
	waitFor(t, "server registration", func() bool { return h.backend.ConnCount(6) == 1 })
	h.backend.DropConnections(6)

	for _, want := range []EventType{EventError, EventClosed} {
		select {
		case ev := <-h.events:
			if ev.Type != want {
				t.Fatalf("event = %v, want %v", ev.Type, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no %v event", want)
		}
	}
	if err := h.room.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	h.waitConnected(t)
	if h.room.Status().Stream != "open" {
		t.Errorf("stream = %s after reconnect", h.room.Status().Stream)
	}
}
