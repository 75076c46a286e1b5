package state

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func newAggregator() *Aggregator {
	return NewAggregator(500, 64, zap.NewNop())
}

func snapshotAt(ts time.Time, player string, stations ...string) EconomySnapshot {
	records := make([]json.RawMessage, 0, len(stations))
	for _, s := range stations {
		records = append(records, json.RawMessage(fmt.Sprintf(`{"name":%q}`, s)))
	}
	return EconomySnapshot{
		Stations:   map[string][]json.RawMessage{player: records},
		Prices:     map[string]json.RawMessage{player: json.RawMessage(`{"energy": 42}`)},
		LastUpdate: ts,
	}
}

func TestApplyEconomySnapshot_Accepts(t *testing.T) {
	a := newAggregator()
	now := time.Unix(1000, 0)

	require.True(t, a.ApplyEconomySnapshot(snapshotAt(now, "alice", "hq")))

	eco := a.Economy()
	assert.Equal(t, now, eco.LastUpdate)
	assert.Len(t, eco.Stations["alice"], 1)
	assert.JSONEq(t, `{"energy": 42}`, string(eco.Prices["alice"]))
}

func TestApplyEconomySnapshot_RejectsStale(t *testing.T) {
	a := newAggregator()
	now := time.Unix(1000, 0)

	require.True(t, a.ApplyEconomySnapshot(snapshotAt(now, "alice", "hq")))
	assert.False(t, a.ApplyEconomySnapshot(snapshotAt(now.Add(-time.Minute), "alice", "old")))

	eco := a.Economy()
	assert.Equal(t, now, eco.LastUpdate, "stale update must not move LastUpdate backwards")
	assert.JSONEq(t, `{"name":"hq"}`, string(eco.Stations["alice"][0]))
	assert.Equal(t, uint64(1), a.RejectedStale())
}

func TestApplyEconomySnapshot_IdempotentForEqualTimestamp(t *testing.T) {
	a := newAggregator()
	now := time.Unix(1000, 0)
	snap := snapshotAt(now, "alice", "hq")

	require.True(t, a.ApplyEconomySnapshot(snap))
	require.True(t, a.ApplyEconomySnapshot(snap))

	eco := a.Economy()
	assert.Len(t, eco.Stations["alice"], 1)
	assert.Equal(t, uint64(0), a.RejectedStale(), "equal timestamps are accepted, not counted stale")
}

func TestApplyEconomySnapshot_PerPlayerShardReplace(t *testing.T) {
	a := newAggregator()
	t0 := time.Unix(1000, 0)

	require.True(t, a.ApplyEconomySnapshot(snapshotAt(t0, "alice", "hq", "refinery")))
	require.True(t, a.ApplyEconomySnapshot(snapshotAt(t0.Add(time.Minute), "bob", "dock")))

	eco := a.Economy()
	assert.Len(t, eco.Stations["alice"], 2, "other players' shards stay untouched")
	assert.Len(t, eco.Stations["bob"], 1)

	// alice's shard is replaced, not merged
	require.True(t, a.ApplyEconomySnapshot(snapshotAt(t0.Add(2*time.Minute), "alice", "shipyard")))
	eco = a.Economy()
	require.Len(t, eco.Stations["alice"], 1)
	assert.JSONEq(t, `{"name":"shipyard"}`, string(eco.Stations["alice"][0]))
	assert.Len(t, eco.Stations["bob"], 1)
}

func TestApplyPresenceList_WholesaleReplace(t *testing.T) {
	a := newAggregator()
	now := time.Unix(2000, 0)

	a.ApplyPresenceList([]PlayerPresence{
		{PlayerName: "alice", CurrentSector: "Argon Prime", LastSeen: now},
		{PlayerName: "bob", CurrentSector: "The Void", LastSeen: now},
	})
	require.Len(t, a.Presence(), 2)

	a.ApplyPresenceList([]PlayerPresence{
		{PlayerName: "carol", CurrentSector: "Black Hole Sun", LastSeen: now},
	})
	got := a.Presence()
	require.Len(t, got, 1)
	assert.Equal(t, "carol", got[0].PlayerName)
}

func TestPresence_Sorted(t *testing.T) {
	a := newAggregator()
	now := time.Unix(2000, 0)

	a.ApplyPresenceList([]PlayerPresence{
		{PlayerName: "zed", LastSeen: now},
		{PlayerName: "alice", LastSeen: now},
		{PlayerName: "mike", LastSeen: now},
	})

	got := a.Presence()
	assert.Equal(t, "alice", got[0].PlayerName)
	assert.Equal(t, "mike", got[1].PlayerName)
	assert.Equal(t, "zed", got[2].PlayerName)
}

func TestAppendChatMessage_RetentionFIFO(t *testing.T) {
	a := NewAggregator(500, 64, zap.NewNop())
	base := time.Unix(3000, 0)

	for i := 0; i < 501; i++ {
		a.AppendChatMessage(ChatMessage{
			PlayerName: "alice",
			Text:       fmt.Sprintf("msg-%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
	}

	msgs := a.ChatMessages(0)
	require.Len(t, msgs, 500)
	assert.Equal(t, "msg-1", msgs[0].Text, "oldest message evicted first")
	assert.Equal(t, "msg-500", msgs[499].Text)
}

func TestChatMessages_Limit(t *testing.T) {
	a := newAggregator()
	base := time.Unix(3000, 0)

	for i := 0; i < 20; i++ {
		a.AppendChatMessage(ChatMessage{Text: fmt.Sprintf("m%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	got := a.ChatMessages(10)
	require.Len(t, got, 10)
	assert.Equal(t, "m10", got[0].Text)
	assert.Equal(t, "m19", got[9].Text)
}

func TestMergeChatHistory_SkipsRetainedTail(t *testing.T) {
	a := newAggregator()
	base := time.Unix(3000, 0)

	first := []ChatMessage{
		{PlayerName: "alice", Text: "one", Timestamp: base},
		{PlayerName: "bob", Text: "two", Timestamp: base.Add(time.Second)},
	}
	assert.Equal(t, 2, a.MergeChatHistory(first))

	// Refetch returns the old tail plus one new message.
	second := append(first, ChatMessage{PlayerName: "alice", Text: "three", Timestamp: base.Add(2 * time.Second)})
	assert.Equal(t, 1, a.MergeChatHistory(second))

	msgs := a.ChatMessages(0)
	require.Len(t, msgs, 3)
	assert.Equal(t, "three", msgs[2].Text)
}

func TestRecordInboundEvent_RingOverwrite(t *testing.T) {
	a := NewAggregator(500, 4, zap.NewNop())

	for i := 0; i < 6; i++ {
		a.RecordInboundEvent(InboundEvent{EventType: fmt.Sprintf("e%d", i)})
	}

	events := a.RecentEvents()
	require.Len(t, events, 4)
	assert.Equal(t, "e2", events[0].EventType)
	assert.Equal(t, "e5", events[3].EventType)
}

func TestAccessorsReturnCopies(t *testing.T) {
	a := newAggregator()
	now := time.Unix(1000, 0)
	require.True(t, a.ApplyEconomySnapshot(snapshotAt(now, "alice", "hq")))

	eco := a.Economy()
	eco.Stations["alice"] = nil
	eco.Stations["mallory"] = []json.RawMessage{json.RawMessage(`{}`)}

	fresh := a.Economy()
	assert.Len(t, fresh.Stations["alice"], 1, "mutating a snapshot must not affect cached state")
	assert.NotContains(t, fresh.Stations, "mallory")

	a.AppendChatMessage(ChatMessage{Text: "hello", Timestamp: now})
	msgs := a.ChatMessages(0)
	msgs[0].Text = "tampered"
	assert.Equal(t, "hello", a.ChatMessages(0)[0].Text)
}

func TestChatRetentionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cap := rapid.IntRange(1, 50).Draw(t, "cap")
		n := rapid.IntRange(0, 200).Draw(t, "n")
		a := NewAggregator(cap, 8, zap.NewNop())

		base := time.Unix(0, 0)
		for i := 0; i < n; i++ {
			a.AppendChatMessage(ChatMessage{Text: fmt.Sprintf("m%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
		}

		msgs := a.ChatMessages(0)
		want := n
		if want > cap {
			want = cap
		}
		require.Len(t, msgs, want)
		if want > 0 {
			assert.Equal(t, fmt.Sprintf("m%d", n-want), msgs[0].Text)
			assert.Equal(t, fmt.Sprintf("m%d", n-1), msgs[want-1].Text)
		}
	})
}

func TestEconomyMonotoneProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := newAggregator()
		var cached time.Time

		stamps := rapid.SliceOfN(rapid.Int64Range(0, 10000), 1, 30).Draw(t, "stamps")
		for _, s := range stamps {
			ts := time.Unix(s, 0)
			accepted := a.ApplyEconomySnapshot(snapshotAt(ts, "alice", "hq"))
			if accepted {
				cached = ts
			}
			assert.Equal(t, cached, a.Economy().LastUpdate)
			assert.False(t, a.Economy().LastUpdate.After(maxTime(cached, ts)))
		}
	})
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
