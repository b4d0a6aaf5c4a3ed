package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seji7/trpgweb/api"
)

var (
	// ErrHistoryUnavailable wraps any failure to fetch room history. Callers degrade to an empty history.
	ErrHistoryUnavailable = errors.New("chat history unavailable")
	// ErrTransport is a socket-level failure. The room stays readable; Open resumes it.
	ErrTransport = errors.New("chat transport error")
	// ErrMalformedFrame marks an inbound frame that could not be parsed.
	ErrMalformedFrame = errors.New("malformed chat frame")
	// ErrNotOpen is returned by Send when the stream is not Open. Nothing is queued.
	ErrNotOpen = errors.New("chat stream not open")
)

// Origin says where a message came from.
type Origin string

const (
	OriginHistory Origin = "history"
	OriginLive    Origin = "live"
)

// ChatMessage is one entry of a room's log. It is immutable once built.
type ChatMessage struct {
	SenderID          int64     `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
	Origin            Origin    `json:"origin"`
	// Malformed entries carry the raw frame in Content.
	Malformed bool `json:"malformed,omitempty"`
}

// Identity stamps outbound frames.
type Identity struct {
	ID          int64
	DisplayName string
}

// wireMessage is the JSON shape shared by history rows and socket frames.
type wireMessage struct {
	SenderID       int64  `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

func (w wireMessage) toMessage(origin Origin, received time.Time) ChatMessage {
	m := ChatMessage{
		SenderID:          w.SenderID,
		SenderDisplayName: w.SenderUsername,
		Content:           w.Content,
		Origin:            origin,
		CreatedAt:         received,
	}
	if w.CreatedAt != "" {
		if t, err := api.ParseTimestamp(w.CreatedAt); err == nil {
			m.CreatedAt = t
		}
	}
	return m
}

// decodeFrame parses one inbound frame. On failure it still returns a
// displayable message holding the raw payload, together with ErrMalformedFrame.
func decodeFrame(data []byte, received time.Time) (ChatMessage, error) {
	var w wireMessage
	err := json.Unmarshal(data, &w)
	if err == nil && w.Content == "" && w.SenderUsername == "" && w.SenderID == 0 {
		err = errors.New("no message fields")
	}
	if err != nil {
		return ChatMessage{
			Content:   string(data),
			CreatedAt: received,
			Origin:    OriginLive,
			Malformed: true,
		}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return w.toMessage(OriginLive, received), nil
}

func encodeFrame(id Identity, content string, now time.Time) ([]byte, error) {
	return json.Marshal(wireMessage{
		SenderID:       id.ID,
		SenderUsername: id.DisplayName,
		Content:        content,
		CreatedAt:      now.UTC().Format(time.RFC3339Nano),
	})
}
