package chat

import (
	"errors"
	"testing"
	"time"
)

func msgAt(sec int, content string, origin Origin) ChatMessage {
	return ChatMessage{
		SenderID:          1,
		SenderDisplayName: "kim",
		Content:           content,
		CreatedAt:         time.Unix(int64(sec), 0).UTC(),
		Origin:            origin,
	}
}

func contents(msgs []ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name    string
		history []ChatMessage
		live    []ChatMessage
		want    []string
	}{
		{
			name:    "history then live",
			history: []ChatMessage{msgAt(1, "a", OriginHistory), msgAt(2, "b", OriginHistory)},
			live:    []ChatMessage{msgAt(3, "c", OriginLive), msgAt(4, "d", OriginLive)},
			want:    []string{"a", "b", "c", "d"},
		},
		{
			name:    "history sorted by createdAt",
			history: []ChatMessage{msgAt(5, "late", OriginHistory), msgAt(1, "early", OriginHistory)},
			want:    []string{"early", "late"},
		},
		{
			name:    "equal timestamps keep input order",
			history: []ChatMessage{msgAt(1, "x", OriginHistory), msgAt(1, "y", OriginHistory)},
			want:    []string{"x", "y"},
		},
		{
			name:    "skewed live message appended in arrival order",
			history: []ChatMessage{msgAt(10, "a", OriginHistory)},
			live:    []ChatMessage{msgAt(12, "b", OriginLive), msgAt(5, "skewed", OriginLive)},
			want:    []string{"a", "b", "skewed"},
		},
		{
			name:    "duplicates are kept",
			history: []ChatMessage{msgAt(1, "same", OriginHistory)},
			live:    []ChatMessage{msgAt(1, "same", OriginLive)},
			want:    []string{"same", "same"},
		},
		{
			name: "empty",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := contents(Merge(tt.history, tt.live))
			if !equalStrings(got, tt.want) {
				t.Errorf("Merge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconcilerDoesNotMutateHistory(t *testing.T) {
	history := []ChatMessage{msgAt(2, "b", OriginHistory), msgAt(1, "a", OriginHistory)}
	r := NewReconciler(history)
	if history[0].Content != "b" {
		t.Error("NewReconciler reordered the caller's slice")
	}
	if idx := r.Append(msgAt(3, "c", OriginLive)); idx != 2 {
		t.Errorf("Append index = %d, want 2", idx)
	}
	snap := r.Messages()
	snap[0].Content = "mutated"
	if r.Messages()[0].Content != "a" {
		t.Error("Messages() exposed internal storage")
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestDecodeFrame(t *testing.T) {
	received := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name          string
		frame         string
		wantMalformed bool
		wantContent   string
		wantTime      time.Time
	}{
		{
			name:        "full frame",
			frame:       `{"senderId":3,"senderUsername":"lee","content":"hello","createdAt":"2024-05-01T08:00:00"}`,
			wantContent: "hello",
			wantTime:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		},
		{
			name:        "missing timestamp uses receive time",
			frame:       `{"senderId":3,"senderUsername":"lee","content":"hi"}`,
			wantContent: "hi",
			wantTime:    received,
		},
		{
			name:          "not json",
			frame:         `lee joined the room`,
			wantMalformed: true,
			wantContent:   `lee joined the room`,
			wantTime:      received,
		},
		{
			name:          "object without message fields",
			frame:         `{"type":"PING"}`,
			wantMalformed: true,
			wantContent:   `{"type":"PING"}`,
			wantTime:      received,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := decodeFrame([]byte(tt.frame), received)
			if tt.wantMalformed != errors.Is(err, ErrMalformedFrame) || m.Malformed != tt.wantMalformed {
				t.Fatalf("malformed = %v err = %v, want %v", m.Malformed, err, tt.wantMalformed)
			}
			if m.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", m.Content, tt.wantContent)
			}
			if !m.CreatedAt.Equal(tt.wantTime) {
				t.Errorf("CreatedAt = %v, want %v", m.CreatedAt, tt.wantTime)
			}
			if m.Origin != OriginLive {
				t.Errorf("Origin = %q, want live", m.Origin)
			}
		})
	}
}
