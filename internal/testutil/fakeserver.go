// Package testutil provides an in-process fake of the X4 REST server and the
// multiplayer coordination server for integration testing.
package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/darkace1998/x4-multiplayer-client/internal/config"
)

type chatEntry struct {
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

type playerEntry struct {
	PlayerName    string `json:"playerName"`
	CurrentSector string `json:"currentSector"`
	LastSeen      int64  `json:"lastSeen"`
}

type economyDoc struct {
	LastUpdate int64                        `json:"last_update"`
	Stations   map[string][]json.RawMessage `json:"stations"`
	Prices     map[string]json.RawMessage   `json:"prices"`
}

// FakeServer is an httptest-backed stand-in for the X4 REST server and its
// coordination server, including the WebSocket event endpoint. All state is
// in memory and scoped to a single test.
type FakeServer struct {
	t *testing.T

	rest  *httptest.Server
	coord *httptest.Server

	upgrader websocket.Upgrader

	mu      sync.Mutex
	users   map[string][]byte
	tokens  map[string]string
	chat    []chatEntry
	players []playerEntry
	economy economyDoc
	conns   map[*websocket.Conn]string
	wsMu    map[*websocket.Conn]*sync.Mutex
}

// NewFakeServer starts the fake REST and coordination servers and registers
// cleanup with the test.
//
// Postcondition: Both servers are listening until the test ends.
func NewFakeServer(t *testing.T) *FakeServer {
	t.Helper()

	s := &FakeServer{
		t:      t,
		users:  make(map[string][]byte),
		tokens: make(map[string]string),
		conns:  make(map[*websocket.Conn]string),
		wsMu:   make(map[*websocket.Conn]*sync.Mutex),
		economy: economyDoc{
			Stations: map[string][]json.RawMessage{},
			Prices:   map[string]json.RawMessage{},
		},
	}

	restMux := http.NewServeMux()
	restMux.HandleFunc("/", s.handleStatus)
	restMux.HandleFunc("/auth/register", s.handleRegister)
	restMux.HandleFunc("/auth/login", s.handleLogin)
	restMux.HandleFunc("/auth/logout", s.handleLogout)
	restMux.HandleFunc("/mp/player/info", s.handlePlayerInfo)
	restMux.HandleFunc("/mp/client/connect", s.handleConnect)
	restMux.HandleFunc("/mp/chat/send", s.handleChatSend)
	restMux.HandleFunc("/mp/chat/messages", s.handleChatMessages)
	restMux.HandleFunc("/mp/sync/players", s.handlePlayers)
	restMux.HandleFunc("/mp/economy/upload", s.handleEconomyUpload)
	restMux.HandleFunc("/mp/economy/detailed", s.handleEconomyDetailed)
	restMux.HandleFunc("/mp/events/broadcast", s.handleBroadcast)
	s.rest = httptest.NewServer(restMux)

	coordMux := http.NewServeMux()
	coordMux.HandleFunc("/mp/info", s.handleInfo)
	coordMux.HandleFunc("/", s.handleCoordRoot)
	s.coord = httptest.NewServer(coordMux)

	t.Cleanup(func() {
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.rest.Close()
		s.coord.Close()
	})

	return s
}

// ClientConfig returns a validated client configuration pointed at the fake
// servers, with short timeouts suitable for tests.
func (s *FakeServer) ClientConfig() config.Config {
	restHost, restPort := splitHostPort(s.t, s.rest.URL)
	coordHost, coordPort := splitHostPort(s.t, s.coord.URL)

	cfg := config.Default()
	cfg.Rest.Host = restHost
	cfg.Rest.Port = restPort
	cfg.Rest.Timeout = 2 * time.Second
	cfg.Coordinator.Host = coordHost
	cfg.Coordinator.Port = coordPort
	cfg.Coordinator.WSPort = coordPort
	cfg.Stream.HandshakeTimeout = 2 * time.Second
	return cfg
}

func splitHostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing server URL %q: %v", raw, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting host %q: %v", u.Host, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return host, port
}

// Seed registers a user without going through the HTTP endpoint.
func (s *FakeServer) Seed(username, password string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		s.t.Fatalf("hashing seed password: %v", err)
	}
	s.mu.Lock()
	s.users[username] = hash
	s.mu.Unlock()
}

// SetPlayers replaces the active-player list served by /mp/sync/players.
func (s *FakeServer) SetPlayers(players map[string]string) {
	now := time.Now().Unix()
	list := make([]playerEntry, 0, len(players))
	for name, sector := range players {
		list = append(list, playerEntry{PlayerName: name, CurrentSector: sector, LastSeen: now})
	}
	s.mu.Lock()
	s.players = list
	s.mu.Unlock()
}

// SetEconomy replaces the aggregated economy document.
func (s *FakeServer) SetEconomy(lastUpdate time.Time, stations map[string][]json.RawMessage, prices map[string]json.RawMessage) {
	s.mu.Lock()
	s.economy = economyDoc{LastUpdate: lastUpdate.Unix(), Stations: stations, Prices: prices}
	s.mu.Unlock()
}

// PushEvent delivers an event frame to every authenticated stream connection.
func (s *FakeServer) PushEvent(eventType, fromPlayer string, data any) {
	frame := map[string]any{
		"type":       "event",
		"eventType":  eventType,
		"fromPlayer": fromPlayer,
		"data":       data,
		"timestamp":  time.Now().Unix(),
	}
	s.broadcast(frame, "")
}

// ChatLog returns a copy of the recorded chat messages.
func (s *FakeServer) ChatLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.chat))
	for _, m := range s.chat {
		out = append(out, m.Message)
	}
	return out
}

// RevokeAllTokens drops every live session token server-side, so requests
// carrying a previously issued token are rejected with 401.
func (s *FakeServer) RevokeAllTokens() {
	s.mu.Lock()
	s.tokens = make(map[string]string)
	s.mu.Unlock()
}

// TokenCount reports how many session tokens are currently live.
func (s *FakeServer) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *FakeServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *FakeServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fake coordination server",
		"version": "1.0",
	})
}

// handleCoordRoot upgrades WebSocket requests to the event stream and serves
// a status document to everything else.
func (s *FakeServer) handleCoordRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleStream(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *FakeServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[req.Username]; exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Registration failed - user may already exist"})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return
	}
	s.users[req.Username] = hash
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *FakeServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	hash, exists := s.users[req.Username]
	if !exists || bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		return
	}
	token := uuid.NewString()
	s.tokens[token] = req.Username
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"token":    token,
		"username": req.Username,
	})
}

func (s *FakeServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// authenticate resolves the bearer token to a username, or writes a 401.
func (s *FakeServer) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	s.mu.Lock()
	username, ok := s.tokens[bearerToken(r)]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
		return "", false
	}
	return username, true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *FakeServer) handlePlayerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"playerName":    "Test Pilot",
		"credits":       150000.0,
		"currentSector": "Argon Prime",
	})
}

func (s *FakeServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *FakeServer) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}
	s.mu.Lock()
	s.chat = append(s.chat, chatEntry{
		PlayerName: "Test Pilot",
		Message:    req.Message,
		Timestamp:  time.Now().Unix(),
	})
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *FakeServer) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	msgs := make([]chatEntry, len(s.chat))
	copy(msgs, s.chat)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *FakeServer) handlePlayers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	players := make([]playerEntry, len(s.players))
	copy(players, s.players)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"players": players, "count": len(players)})
}

func (s *FakeServer) handleEconomyUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data_points": 42})
}

func (s *FakeServer) handleEconomyDetailed(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc := s.economy
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, doc)
}

func (s *FakeServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		EventType string `json:"eventType"`
		Data      any    `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}
	s.broadcast(map[string]any{
		"type":       "event",
		"eventType":  req.EventType,
		"fromPlayer": username,
		"data":       req.Data,
		"timestamp":  time.Now().Unix(),
	}, username)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// broadcast writes the frame to every authenticated stream connection except
// the one owned by exclude.
func (s *FakeServer) broadcast(frame map[string]any, exclude string) {
	s.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex)
	for conn, user := range s.conns {
		if exclude != "" && user == exclude {
			continue
		}
		targets[conn] = s.wsMu[conn]
	}
	s.mu.Unlock()

	for conn, lock := range targets {
		lock.Lock()
		_ = conn.WriteJSON(frame)
		lock.Unlock()
	}
}

// handleStream runs the coordination server's event stream protocol: the
// first client frame must be an auth message carrying a live token.
func (s *FakeServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var auth struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := conn.ReadJSON(&auth); err != nil || auth.Type != "auth" {
		conn.Close()
		return
	}

	s.mu.Lock()
	username, ok := s.tokens[auth.Token]
	s.mu.Unlock()
	if !ok {
		_ = conn.WriteJSON(map[string]any{
			"type":    "auth_response",
			"success": false,
			"error":   "Invalid token",
		})
		conn.Close()
		return
	}

	if err := conn.WriteJSON(map[string]any{
		"type":     "auth_response",
		"success":  true,
		"username": username,
	}); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = username
	s.wsMu[conn] = &sync.Mutex{}
	s.mu.Unlock()

	// Drain until the client disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.conns, conn)
	delete(s.wsMu, conn)
	s.mu.Unlock()
	conn.Close()
}
