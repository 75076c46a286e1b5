// Package state maintains the locally cached views of multiplayer state:
// chat history, active-player presence, and per-player economy snapshots.
package state

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PlayerPresence is one row of the active-player table. A presence record is
// atomic: it is replaced wholesale, never field-merged.
type PlayerPresence struct {
	PlayerName    string    `json:"playerName"`
	CurrentSector string    `json:"currentSector"`
	LastSeen      time.Time `json:"lastSeen"`
}

// ChatMessage is one entry of the append-only chat history.
type ChatMessage struct {
	PlayerName string    `json:"playerName"`
	Text       string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	// Sequence is the local arrival order, assigned on append.
	Sequence uint64 `json:"-"`
}

// EconomySnapshot holds per-player economy shards. Station and price payloads
// are kept opaque; the client aggregates without interpreting them.
type EconomySnapshot struct {
	Stations   map[string][]json.RawMessage
	Prices     map[string]json.RawMessage
	LastUpdate time.Time
}

// InboundEvent is a decoded event-stream frame.
type InboundEvent struct {
	EventType  string          `json:"eventType"`
	FromPlayer string          `json:"fromPlayer"`
	Payload    json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"-"`
}

// Aggregator merges pulled REST responses and pushed stream events into one
// consistent composite view. Mutations are serialized under a single writer
// lock; read accessors return copies so concurrent readers never observe a
// partially-applied update.
type Aggregator struct {
	mu     sync.RWMutex
	logger *zap.Logger

	chatCap int
	chatSeq uint64
	chat    []ChatMessage

	presence map[string]PlayerPresence

	economy       EconomySnapshot
	rejectedStale uint64

	eventCap   int
	events     []InboundEvent
	eventStart int
	eventCount int
}

// NewAggregator creates an empty Aggregator.
//
// Precondition: logger must be non-nil; chatCap and eventCap must be >= 1.
func NewAggregator(chatCap, eventCap int, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		logger:   logger,
		chatCap:  chatCap,
		presence: make(map[string]PlayerPresence),
		economy: EconomySnapshot{
			Stations: make(map[string][]json.RawMessage),
			Prices:   make(map[string]json.RawMessage),
		},
		eventCap: eventCap,
		events:   make([]InboundEvent, eventCap),
	}
}

// ApplyEconomySnapshot merges update into the cached economy view. Updates
// older than the cached LastUpdate are discarded and counted; accepted
// updates replace the shards of exactly the players present in the update,
// leaving other players' entries untouched.
//
// Postcondition: The cached LastUpdate is monotonically non-decreasing.
// Applying the same snapshot twice is idempotent.
func (a *Aggregator) ApplyEconomySnapshot(update EconomySnapshot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if update.LastUpdate.Before(a.economy.LastUpdate) {
		a.rejectedStale++
		a.logger.Debug("stale economy snapshot rejected",
			zap.Time("cached", a.economy.LastUpdate),
			zap.Time("update", update.LastUpdate),
		)
		return false
	}

	for player, stations := range update.Stations {
		a.economy.Stations[player] = append([]json.RawMessage(nil), stations...)
	}
	for player, prices := range update.Prices {
		a.economy.Prices[player] = prices
	}
	a.economy.LastUpdate = update.LastUpdate
	return true
}

// ApplyPresenceList replaces the presence table wholesale. A presence fetch
// is authoritative for that point in time.
func (a *Aggregator) ApplyPresenceList(list []PlayerPresence) {
	next := make(map[string]PlayerPresence, len(list))
	for _, p := range list {
		next[p.PlayerName] = p
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.presence = next
}

// AppendChatMessage appends msg to the chat history, evicting the oldest
// entry once the retention cap is exceeded.
//
// Postcondition: Returns the message with its assigned arrival sequence.
func (a *Aggregator) AppendChatMessage(msg ChatMessage) ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendChat(msg)
}

// MergeChatHistory folds a fetched message list into the retained history.
// Only messages newer than the newest retained timestamp are appended, in
// the order given, so repeated fetches do not duplicate the tail.
//
// Postcondition: Returns the number of messages appended.
func (a *Aggregator) MergeChatHistory(msgs []ChatMessage) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var newest time.Time
	if n := len(a.chat); n > 0 {
		newest = a.chat[n-1].Timestamp
	}

	appended := 0
	for _, msg := range msgs {
		if len(a.chat) > 0 && !msg.Timestamp.After(newest) {
			continue
		}
		a.appendChat(msg)
		appended++
	}
	return appended
}

func (a *Aggregator) appendChat(msg ChatMessage) ChatMessage {
	a.chatSeq++
	msg.Sequence = a.chatSeq
	a.chat = append(a.chat, msg)
	if len(a.chat) > a.chatCap {
		// FIFO eviction, oldest first
		a.chat = append(a.chat[:0], a.chat[len(a.chat)-a.chatCap:]...)
	}
	return msg
}

// RecordInboundEvent stores event in the bounded replay ring backing
// RecentEvents. The oldest entry is overwritten once the ring is full.
func (a *Aggregator) RecordInboundEvent(event InboundEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := (a.eventStart + a.eventCount) % a.eventCap
	a.events[idx] = event
	if a.eventCount < a.eventCap {
		a.eventCount++
	} else {
		a.eventStart = (a.eventStart + 1) % a.eventCap
	}
}

// ChatMessages returns up to limit of the most recent chat messages, oldest
// first. A limit of 0 or less returns the full retained history.
func (a *Aggregator) ChatMessages(limit int) []ChatMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()

	msgs := a.chat
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]ChatMessage(nil), msgs...)
}

// Presence returns the active-player table sorted by player name.
func (a *Aggregator) Presence() []PlayerPresence {
	a.mu.RLock()
	defer a.mu.RUnlock()

	list := make([]PlayerPresence, 0, len(a.presence))
	for _, p := range a.presence {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PlayerName < list[j].PlayerName })
	return list
}

// Economy returns a copy of the cached economy snapshot.
func (a *Aggregator) Economy() EconomySnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := EconomySnapshot{
		Stations:   make(map[string][]json.RawMessage, len(a.economy.Stations)),
		Prices:     make(map[string]json.RawMessage, len(a.economy.Prices)),
		LastUpdate: a.economy.LastUpdate,
	}
	for player, stations := range a.economy.Stations {
		out.Stations[player] = append([]json.RawMessage(nil), stations...)
	}
	for player, prices := range a.economy.Prices {
		out.Prices[player] = prices
	}
	return out
}

// RecentEvents returns the replay ring contents in receipt order.
func (a *Aggregator) RecentEvents() []InboundEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]InboundEvent, 0, a.eventCount)
	for i := 0; i < a.eventCount; i++ {
		out = append(out, a.events[(a.eventStart+i)%a.eventCap])
	}
	return out
}

// RejectedStale reports how many economy snapshots were discarded as stale.
// Rejections are expected, not exceptional; the counter exists for diagnostics.
func (a *Aggregator) RejectedStale() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rejectedStale
}
