package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/seji7/trpgweb/api"
	"github.com/seji7/trpgweb/telemetry"
)

// Sender is the REST pipeline the history loader goes through. *api.Client implements it.
type Sender interface {
	Send(ctx context.Context, req api.Request) (*api.Response, error)
}

// HistoryLoader fetches a room's past messages.
type HistoryLoader struct {
	client   Sender
	pageSize int
	maxPages int
}

// NewHistoryLoader returns a loader that reads up to maxPages pages of pageSize rows.
func NewHistoryLoader(client Sender, pageSize, maxPages int) *HistoryLoader {
	if pageSize <= 0 {
		pageSize = 50
	}
	if maxPages <= 0 {
		maxPages = 20
	}
	return &HistoryLoader{client: client, pageSize: pageSize, maxPages: maxPages}
}

type historyPage struct {
	Content []wireMessage `json:"content"`
	Number  int           `json:"number"`
	Last    bool          `json:"last"`
}

// HistoryPath is the REST path of a room's message history.
func HistoryPath(roomID int64) string {
	return "/chat/" + strconv.FormatInt(roomID, 10) + "/messages"
}

// Load returns the room's history with Origin set to history. Any failure is
// wrapped in ErrHistoryUnavailable, keeping the underlying cause inspectable.
func (h *HistoryLoader) Load(ctx context.Context, roomID int64) ([]ChatMessage, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.ComponentChat, "history.load", telemetry.RoomAttr(roomID))
	defer span.End()

	var out []ChatMessage
	for page := 0; page < h.maxPages; page++ {
		rows, last, err := h.fetchPage(ctx, roomID, page)
		if err != nil {
			telemetry.Inc(telemetry.HistoryLoadsFailed)
			telemetry.SpanFailed(span, err)
			return nil, fmt.Errorf("%w: room %d: %w", ErrHistoryUnavailable, roomID, err)
		}
		for _, w := range rows {
			// rows without a parsable timestamp sort first
			out = append(out, w.toMessage(OriginHistory, time.Time{}))
		}
		if last || len(rows) == 0 {
			telemetry.SpanOK(span)
			return out, nil
		}
	}
	slog.Warn("chat history truncated", slog.Int64("room", roomID), slog.Int("pages", h.maxPages), slog.String("component", "chat"))
	telemetry.SpanOK(span)
	return out, nil
}

// fetchPage reads one page. A bare JSON array is accepted as a single last page.
func (h *HistoryLoader) fetchPage(ctx context.Context, roomID int64, page int) ([]wireMessage, bool, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(h.pageSize))
	resp, err := h.client.Send(ctx, api.Request{Method: http.MethodGet, Path: HistoryPath(roomID), Query: q})
	if err != nil {
		return nil, false, err
	}
	if err := resp.Err(); err != nil {
		return nil, false, err
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) > 0 && body[0] == '[' {
		var rows []wireMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, false, fmt.Errorf("decode history: %w", err)
		}
		return rows, true, nil
	}
	var p historyPage
	if err := resp.DecodeJSON(&p); err != nil {
		return nil, false, err
	}
	return p.Content, p.Last, nil
}
