package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// TestPassword is the only password MockBackend accepts on login.
const TestPassword = "password"

// HistoryRow is a chat message as the backend serializes it.
type HistoryRow struct {
	SenderID       int64  `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
}

// MockBackend is an in-process stand-in for the REST and chat WebSocket backend.
// It accepts exactly one access token at a time; ExpireAccess rotates it so the
// next authenticated call sees 401.
type MockBackend struct {
	*httptest.Server

	// AccessTTL is the lifetime stamped into issued access tokens.
	AccessTTL time.Duration
	// RejectRenewal makes the refresh endpoint answer 401.
	RejectRenewal atomic.Bool
	// FailHistory makes the history endpoint answer 500.
	FailHistory atomic.Bool
	// RequireWSAuth makes the chat handshake answer 401 unless it carries the
	// current access token.
	RequireWSAuth atomic.Bool

	Renewals   atomic.Int32
	Upgrades   atomic.Int32
	Logins     atomic.Int32
	APIHits    atomic.Int32
	lastWSAuth atomic.Value

	mu      sync.Mutex
	secret  []byte
	seq     int
	access  string
	refresh string
	history map[int64][]HistoryRow
	rooms   map[int64]map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
}

// NewMockBackend starts a mock backend that is closed with the test.
func NewMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	m := &MockBackend{
		AccessTTL: 15 * time.Minute,
		secret:    []byte("mock-backend-secret"),
		history:   make(map[int64][]HistoryRow),
		rooms:     make(map[int64]map[*websocket.Conn]struct{}),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /member/login", m.handleLogin)
	mux.HandleFunc("POST /member/join", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	})
	mux.HandleFunc("POST /member/member/refresh-token", m.handleRefresh)
	mux.HandleFunc("GET /member/me", m.authed(m.handleMe))
	mux.HandleFunc("POST /member/logout", m.authed(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("GET /chat/{roomId}/messages", m.authed(m.handleHistory))
	mux.HandleFunc("GET /ws/chat/{roomId}", m.handleWS)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		m.closeSockets()
		m.Close()
	})
	return m
}

// WSURL is the WebSocket base URL of the backend.
func (m *MockBackend) WSURL() string { return "ws" + strings.TrimPrefix(m.URL, "http") }

// IssueTokens mints a fresh access/refresh pair and makes it the accepted one.
func (m *MockBackend) IssueTokens() (access, refresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = m.signLocked(m.AccessTTL)
	m.seq++
	m.refresh = fmt.Sprintf("refresh-%d", m.seq)
	return m.access, m.refresh
}

// ExpireAccess invalidates the current access token without touching the refresh token.
func (m *MockBackend) ExpireAccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = m.signLocked(m.AccessTTL)
}

// SignAccess mints a token with the given lifetime and makes it the accepted access token.
func (m *MockBackend) SignAccess(ttl time.Duration) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = m.signLocked(ttl)
	return m.access
}

func (m *MockBackend) signLocked(ttl time.Duration) string {
	m.seq++
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "7",
		"jti": strconv.Itoa(m.seq),
		"exp": time.Now().Add(ttl).Unix(),
	})
	s, err := tok.SignedString(m.secret)
	if err != nil {
		panic(err)
	}
	return s
}

// SetHistory replaces the stored history of a room.
func (m *MockBackend) SetHistory(roomID int64, rows []HistoryRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[roomID] = rows
}

// Broadcast writes a raw text frame to every socket joined to roomID.
func (m *MockBackend) Broadcast(roomID int64, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.rooms[roomID] {
		_ = c.WriteMessage(websocket.TextMessage, frame) //nolint:errcheck // best-effort fan-out
	}
}

// ConnCount returns the number of live sockets in roomID.
func (m *MockBackend) ConnCount(roomID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms[roomID])
}

// DropConnections closes every socket in roomID without a close handshake.
func (m *MockBackend) DropConnections(roomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.rooms[roomID] {
		_ = c.Close()
	}
}

// LastWSAuth is the Authorization header of the latest WebSocket handshake.
func (m *MockBackend) LastWSAuth() string {
	s, _ := m.lastWSAuth.Load().(string)
	return s
}

func (m *MockBackend) closeSockets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conns := range m.rooms {
		for c := range conns {
			_ = c.Close()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (m *MockBackend) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.APIHits.Add(1)
		m.mu.Lock()
		ok := m.access != "" && bearer(r) == m.access
		m.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "TOKEN_EXPIRED", "message": "access token expired"})
			return
		}
		next(w, r)
	}
}

func (m *MockBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.Logins.Add(1)
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Password != TestPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "BAD_CREDENTIALS", "message": "invalid username or password"})
		return
	}
	access, refresh := m.IssueTokens()
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access, "refreshToken": refresh})
}

func (m *MockBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m.Renewals.Add(1)
	m.mu.Lock()
	ok := !m.RejectRenewal.Load() && m.refresh != "" && bearer(r) == m.refresh
	var access string
	if ok {
		m.access = m.signLocked(m.AccessTTL)
		access = m.access
	}
	m.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "INVALID_REFRESH", "message": "refresh token rejected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access})
}

func (m *MockBackend) handleMe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mid": 7, "userId": "tester", "username": "tester", "nickname": "Tester",
		"userRole": "USER", "accountLevel": 1,
	})
}

func (m *MockBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	if m.FailHistory.Load() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "INTERNAL", "message": "history store down"})
		return
	}
	roomID, err := strconv.ParseInt(r.PathValue("roomId"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_ROOM"})
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 {
		size = 50
	}
	m.mu.Lock()
	rows := m.history[roomID]
	m.mu.Unlock()

	start := min(page*size, len(rows))
	end := min(start+size, len(rows))
	writeJSON(w, http.StatusOK, map[string]any{
		"content": rows[start:end],
		"number":  page,
		"size":    size,
		"last":    end >= len(rows),
	})
}

func (m *MockBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(r.PathValue("roomId"), 10, 64)
	if err != nil {
		http.Error(w, "bad room", http.StatusBadRequest)
		return
	}
	m.lastWSAuth.Store(r.Header.Get("Authorization"))
	if m.RequireWSAuth.Load() {
		m.mu.Lock()
		ok := m.access != "" && bearer(r) == m.access
		m.mu.Unlock()
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	c, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.Upgrades.Add(1)
	m.mu.Lock()
	if m.rooms[roomID] == nil {
		m.rooms[roomID] = make(map[*websocket.Conn]struct{})
	}
	m.rooms[roomID][c] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.rooms[roomID], c)
		m.mu.Unlock()
		_ = c.Close()
	}()
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		// echo to the whole room, sender included
		m.Broadcast(roomID, data)
	}
}
