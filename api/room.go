package api

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RoomResponse is one room as listed or detailed by the backend.
type RoomResponse struct {
	RNO              int64  `json:"rno"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	OwnerNickname    string `json:"ownerNickname"`
	OwnerMID         int64  `json:"ownerMid"`
	GuestAccessLevel int    `json:"guestAccessLevel"`
	CreatedAt        string `json:"createdAt"`
	LastUsedAt       string `json:"lastUsedAt"`
	ThumbnailURL     string `json:"thumbnailUrl"`
	AccountLevel     int    `json:"accountLevel"`
}

// Created parses CreatedAt, which the backend emits without a zone.
func (r RoomResponse) Created() (time.Time, error) { return ParseTimestamp(r.CreatedAt) }

// RoomPage is a page of rooms.
type RoomPage struct {
	Content       []RoomResponse `json:"content"`
	Number        int            `json:"number"`
	Size          int            `json:"size"`
	TotalPages    int            `json:"totalPages"`
	TotalElements int64          `json:"totalElements"`
	Last          bool           `json:"last"`
}

// AddPlayerRequest invites a member into a room.
type AddPlayerRequest struct {
	Username string `json:"username"`
	OwnerMID int64  `json:"ownerMid"`
}

// CreateRoomRequest registers a new room. Thumbnail is optional image data
// sent as a file part named ThumbnailName.
type CreateRoomRequest struct {
	Title            string
	Description      string
	GuestAccessLevel int
	Thumbnail        []byte
	ThumbnailName    string
}

// NewCreateRoomRequest encodes in as the multipart form the backend expects.
func NewCreateRoomRequest(in CreateRoomRequest) (Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"title", in.Title},
		{"description", in.Description},
		{"guestAccessLevel", strconv.Itoa(in.GuestAccessLevel)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return Request{}, fmt.Errorf("encode room form: %w", err)
		}
	}
	if len(in.Thumbnail) > 0 {
		name := in.ThumbnailName
		if name == "" {
			name = "thumbnail"
		}
		fw, err := mw.CreateFormFile("thumbnail", name)
		if err != nil {
			return Request{}, fmt.Errorf("encode room thumbnail: %w", err)
		}
		if _, err := fw.Write(in.Thumbnail); err != nil {
			return Request{}, fmt.Errorf("encode room thumbnail: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return Request{}, fmt.Errorf("encode room form: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", mw.FormDataContentType())
	return Request{Method: http.MethodPost, Path: "/room/register-room", Header: h, Body: buf.Bytes()}, nil
}

// CreateRoom registers a room and returns it as the backend echoes it.
func (c *Client) CreateRoom(ctx context.Context, in CreateRoomRequest) (RoomResponse, error) {
	req, err := NewCreateRoomRequest(in)
	if err != nil {
		return RoomResponse{}, err
	}
	var r RoomResponse
	if err := c.decodeInto(ctx, req, &r); err != nil {
		return RoomResponse{}, fmt.Errorf("create room %q: %w", in.Title, err)
	}
	return r, nil
}

// ListRooms fetches one page of rooms. page is zero-based.
func (c *Client) ListRooms(ctx context.Context, page, size int) (RoomPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var p RoomPage
	if err := c.decodeInto(ctx, Request{Method: http.MethodGet, Path: "/room/list-data", Query: q}, &p); err != nil {
		return RoomPage{}, fmt.Errorf("list rooms: %w", err)
	}
	return p, nil
}

// RoomDetail fetches one room.
func (c *Client) RoomDetail(ctx context.Context, rno int64) (RoomResponse, error) {
	var r RoomResponse
	path := "/room/detail-data/" + strconv.FormatInt(rno, 10)
	if err := c.decodeInto(ctx, Request{Method: http.MethodGet, Path: path}, &r); err != nil {
		return RoomResponse{}, fmt.Errorf("room %d: %w", rno, err)
	}
	return r, nil
}

// AddPlayer invites in.Username into room rno.
func (c *Client) AddPlayer(ctx context.Context, rno int64, in AddPlayerRequest) error {
	path := fmt.Sprintf("/room/%d/add-player", rno)
	if err := c.sendJSON(ctx, http.MethodPost, path, in, nil); err != nil {
		return fmt.Errorf("add player to room %d: %w", rno, err)
	}
	return nil
}

// DeleteRoom removes room rno.
func (c *Client) DeleteRoom(ctx context.Context, rno int64) error {
	resp, err := c.Send(ctx, Request{Method: http.MethodDelete, Path: "/room/delete/" + strconv.FormatInt(rno, 10)})
	if err != nil {
		return fmt.Errorf("delete room %d: %w", rno, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("delete room %d: %w", rno, err)
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC 3339 and the zone-less ISO forms the backend
// serializes LocalDateTime as. Zone-less values are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
