// Package client composes the session, transport, stream, and state layers
// into the public operation surface consumed by callers such as the demo CLI.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/darkace1998/x4-multiplayer-client/internal/config"
	"github.com/darkace1998/x4-multiplayer-client/internal/session"
	"github.com/darkace1998/x4-multiplayer-client/internal/state"
	"github.com/darkace1998/x4-multiplayer-client/internal/stream"
	"github.com/darkace1998/x4-multiplayer-client/internal/transport"
)

// PlayerInfo is the local player summary reported by the game server.
type PlayerInfo struct {
	PlayerName    string  `json:"playerName"`
	Credits       float64 `json:"credits"`
	CurrentSector string  `json:"currentSector"`
}

// Client is the multiplayer session client facade. Callers go through it for
// every operation; the composed layers never leak out except as result types.
type Client struct {
	cfg    config.Config
	logger *zap.Logger

	rest     *transport.Client
	coord    *transport.Client
	sessions *session.Manager
	stream   *stream.Client
	states   *state.Aggregator
}

// New wires a Client from configuration.
//
// Precondition: cfg must be validated; logger must be non-nil.
func New(cfg config.Config, logger *zap.Logger) *Client {
	store := session.NewTokenStore()
	rest := transport.New(cfg.Rest.BaseURL(), cfg.Rest.Timeout, store, logger)
	coord := transport.New(cfg.Coordinator.BaseURL(), cfg.Rest.Timeout, store, logger)
	states := state.NewAggregator(cfg.State.ChatRetention, cfg.Stream.ReplayBuffer, logger)
	events := stream.NewClient(cfg.Coordinator.WSURL(), cfg.Stream, store, states.RecordInboundEvent, logger)
	sessions := session.NewManager(rest, store, logger)

	return &Client{
		cfg:      cfg,
		logger:   logger,
		rest:     rest,
		coord:    coord,
		sessions: sessions,
		stream:   events,
		states:   states,
	}
}

// Register creates a new account.
func (c *Client) Register(ctx context.Context, username, password, email string) error {
	return c.sessions.Register(ctx, username, password, email)
}

// Login authenticates and opens the session.
func (c *Client) Login(ctx context.Context, username, password string) (session.Session, error) {
	return c.sessions.Login(ctx, username, password)
}

// Logout revokes the session token. The event stream keeps its own lifecycle
// and is not closed here; a later reconnect will fail fast on the cleared
// token.
func (c *Client) Logout(ctx context.Context) error {
	return c.sessions.Logout(ctx)
}

// OnSessionInvalidated registers fn to run whenever the session token stops
// being valid: logout, explicit invalidation, or a server-side rejection.
// Listeners must not block. Supervisors use this to stop driving
// token-dependent work once reconnects are doomed to fail.
func (c *Client) OnSessionInvalidated(fn func()) {
	c.sessions.OnInvalidate(fn)
}

// Session returns a snapshot of the active session.
func (c *Client) Session() (session.Session, bool) {
	return c.sessions.Current()
}

// Ping probes the X4 REST server.
func (c *Client) Ping(ctx context.Context) error {
	return c.rest.Call(ctx, http.MethodGet, "/", nil, nil, false)
}

// CoordinatorInfo probes the multiplayer coordination server and returns its
// info document.
func (c *Client) CoordinatorInfo(ctx context.Context) (map[string]any, error) {
	var info map[string]any
	if err := c.coord.Call(ctx, http.MethodGet, "/mp/info", nil, &info, false); err != nil {
		return nil, err
	}
	return info, nil
}

// PlayerInfo fetches the local player summary.
func (c *Client) PlayerInfo(ctx context.Context) (PlayerInfo, error) {
	var info PlayerInfo
	if err := c.rest.Call(ctx, http.MethodGet, "/mp/player/info", nil, &info, false); err != nil {
		return PlayerInfo{}, err
	}
	return info, nil
}

type connectRequest struct {
	ServerHost string `json:"serverHost"`
	ServerPort int    `json:"serverPort"`
	PlayerName string `json:"playerName"`
}

// ConnectMultiplayer registers this client with the coordination server.
func (c *Client) ConnectMultiplayer(ctx context.Context, playerName string) error {
	req := connectRequest{
		ServerHost: c.cfg.Coordinator.Host,
		ServerPort: c.cfg.Coordinator.Port,
		PlayerName: playerName,
	}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.rest.Call(ctx, http.MethodPost, "/mp/client/connect", req, &resp, false); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("coordination server refused client connect")
	}
	return nil
}

// SendChat sends a chat message. The local history updates on the next fetch.
func (c *Client) SendChat(ctx context.Context, message string) error {
	return c.rest.Call(ctx, http.MethodPost, "/mp/chat/send", map[string]string{"message": message}, nil, false)
}

type wireChatMessage struct {
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// FetchChat pulls recent chat messages, folds them into the local history,
// and returns the retained view limited to limit entries (0 means the
// configured display limit).
func (c *Client) FetchChat(ctx context.Context, limit int) ([]state.ChatMessage, error) {
	if limit <= 0 {
		limit = c.cfg.State.ChatDisplayLimit
	}

	var resp struct {
		Messages []wireChatMessage `json:"messages"`
		Count    int               `json:"count"`
	}
	path := fmt.Sprintf("/mp/chat/messages?limit=%d", limit)
	if err := c.rest.Call(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, err
	}

	msgs := make([]state.ChatMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msgs = append(msgs, state.ChatMessage{
			PlayerName: m.PlayerName,
			Text:       m.Message,
			Timestamp:  time.Unix(m.Timestamp, 0),
		})
	}
	c.states.MergeChatHistory(msgs)

	return c.states.ChatMessages(limit), nil
}

// ChatMessages returns the locally retained chat history without a fetch.
func (c *Client) ChatMessages(limit int) []state.ChatMessage {
	return c.states.ChatMessages(limit)
}

type wirePresence struct {
	PlayerName    string `json:"playerName"`
	CurrentSector string `json:"currentSector"`
	LastSeen      int64  `json:"lastSeen"`
}

// ListPlayers fetches the active-player list and replaces the presence table.
func (c *Client) ListPlayers(ctx context.Context) ([]state.PlayerPresence, error) {
	var resp struct {
		Players []wirePresence `json:"players"`
		Count   int            `json:"count"`
	}
	if err := c.rest.Call(ctx, http.MethodGet, "/mp/sync/players", nil, &resp, false); err != nil {
		return nil, err
	}

	now := time.Now()
	list := make([]state.PlayerPresence, 0, len(resp.Players))
	for _, p := range resp.Players {
		seen := now
		if p.LastSeen > 0 {
			seen = time.Unix(p.LastSeen, 0)
		}
		list = append(list, state.PlayerPresence{
			PlayerName:    p.PlayerName,
			CurrentSector: p.CurrentSector,
			LastSeen:      seen,
		})
	}
	c.states.ApplyPresenceList(list)

	return c.states.Presence(), nil
}

// Players returns the locally cached presence table without a fetch.
func (c *Client) Players() []state.PlayerPresence {
	return c.states.Presence()
}

// UploadEconomy pushes this player's economy data to the server and reports
// the number of data points accepted. Requires an active session.
func (c *Client) UploadEconomy(ctx context.Context) (int, error) {
	var resp struct {
		Success    bool `json:"success"`
		DataPoints int  `json:"data_points"`
	}
	if err := c.rest.Call(ctx, http.MethodPost, "/mp/economy/upload", nil, &resp, true); err != nil {
		c.noteAuthRejection(err)
		return 0, err
	}
	return resp.DataPoints, nil
}

type wireEconomy struct {
	LastUpdate int64                        `json:"last_update"`
	Stations   map[string][]json.RawMessage `json:"stations"`
	Prices     map[string]json.RawMessage   `json:"prices"`
}

// FetchEconomy pulls the aggregated economy view and merges it into the local
// cache under the staleness rule: snapshots older than the cached one are
// discarded, and accepted snapshots replace only the shards of the players
// they carry.
func (c *Client) FetchEconomy(ctx context.Context) (state.EconomySnapshot, error) {
	var resp wireEconomy
	if err := c.rest.Call(ctx, http.MethodGet, "/mp/economy/detailed", nil, &resp, false); err != nil {
		return state.EconomySnapshot{}, err
	}

	c.states.ApplyEconomySnapshot(state.EconomySnapshot{
		Stations:   resp.Stations,
		Prices:     resp.Prices,
		LastUpdate: time.Unix(resp.LastUpdate, 0),
	})

	return c.states.Economy(), nil
}

// Economy returns the locally cached economy snapshot without a fetch.
func (c *Client) Economy() state.EconomySnapshot {
	return c.states.Economy()
}

// RejectedStaleSnapshots reports how many economy updates were discarded as
// stale since the client started.
func (c *Client) RejectedStaleSnapshots() uint64 {
	return c.states.RejectedStale()
}

// BroadcastEvent sends an event to all connected players. Requires an active
// session.
func (c *Client) BroadcastEvent(ctx context.Context, eventType string, data any) error {
	body := map[string]any{"eventType": eventType, "data": data}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.rest.Call(ctx, http.MethodPost, "/mp/events/broadcast", body, &resp, true); err != nil {
		c.noteAuthRejection(err)
		return err
	}
	return nil
}

// ConnectEvents opens the persistent event stream. Requires an active
// session; an auth rejection invalidates the local session so later attempts
// fail fast instead of replaying a stale token.
func (c *Client) ConnectEvents(ctx context.Context) error {
	err := c.stream.Connect(ctx)
	if errors.Is(err, stream.ErrAuthRejected) {
		c.sessions.Invalidate()
	}
	return err
}

// OnEvent subscribes to the decoded event stream. Returns nil after
// CloseEvents.
func (c *Client) OnEvent() *stream.Subscription {
	return c.stream.Subscribe()
}

// StreamState reports the event connection state for supervision.
func (c *Client) StreamState() stream.State {
	return c.stream.State()
}

// StreamError returns the most recent stream connection error, if any.
func (c *Client) StreamError() error {
	return c.stream.LastError()
}

// RecentEvents returns the replay ring of recently received events.
func (c *Client) RecentEvents() []state.InboundEvent {
	return c.states.RecentEvents()
}

// CloseEvents shuts the event stream down. Independent of Logout: the two
// lifecycles are distinct and released separately.
func (c *Client) CloseEvents() {
	c.stream.Close()
}

// AdminDashboardURL returns the web admin interface address on the REST
// server. The dashboard itself is served remotely; the client only points at
// it.
func (c *Client) AdminDashboardURL() string {
	return c.cfg.Rest.BaseURL() + "/admin/dashboard"
}

// noteAuthRejection clears the local session when the server reports the
// token invalid, keeping local state consistent with the server's view.
func (c *Client) noteAuthRejection(err error) {
	var serverErr *transport.ServerError
	if errors.As(err, &serverErr) && serverErr.Status == http.StatusUnauthorized {
		c.logger.Warn("server rejected session token, invalidating local session")
		c.sessions.Invalidate()
	}
}
