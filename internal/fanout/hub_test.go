// internal/fanout/hub_test.go
package fanout

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSub struct {
	id string
	ch chan lobby.Event
}

func newChanSub(id string, size int) *chanSub {
	return &chanSub{id: id, ch: make(chan lobby.Event, size)}
}

func (c *chanSub) SubscriberID() string { return c.id }

func (c *chanSub) Send(ev lobby.Event) bool {
	select {
	case c.ch <- ev:
		return true
	default:
		return false
	}
}

func (c *chanSub) drain() []lobby.Event {
	var out []lobby.Event
	for {
		select {
		case ev := <-c.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newTestHub() *Hub {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewHub(l)
}

func TestBroadcastReachesOnlyLobbySubscribers(t *testing.T) {
	h := newTestHub()
	a := newChanSub("a", 4)
	b := newChanSub("b", 4)
	other := newChanSub("other", 4)
	h.Subscribe("one", a)
	h.Subscribe("one", b)
	h.Subscribe("two", other)

	h.Broadcast("one", lobby.Event{Type: lobby.EventLobbyUpdate, LobbyID: "one", Seq: 1})

	assert.Len(t, a.drain(), 1)
	assert.Len(t, b.drain(), 1)
	assert.Empty(t, other.drain())
}

func TestBroadcastPreservesOrder(t *testing.T) {
	h := newTestHub()
	s := newChanSub("s", 16)
	h.Subscribe("lobby", s)

	for i := 1; i <= 10; i++ {
		h.Broadcast("lobby", lobby.Event{Type: lobby.EventPlayerUpdate, Seq: i})
	}

	events := s.drain()
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := newTestHub()
	slow := newChanSub("slow", 1)
	fast := newChanSub("fast", 8)
	h.Subscribe("lobby", slow)
	h.Subscribe("lobby", fast)

	for i := 1; i <= 5; i++ {
		h.Broadcast("lobby", lobby.Event{Seq: i})
	}

	assert.Len(t, slow.drain(), 1)
	assert.Len(t, fast.drain(), 5)
}

func TestUnsubscribeAndClose(t *testing.T) {
	h := newTestHub()
	a := newChanSub("a", 4)
	b := newChanSub("b", 4)
	h.Subscribe("lobby", a)
	h.Subscribe("lobby", b)
	assert.Equal(t, 2, h.Count("lobby"))

	h.Unsubscribe("lobby", "a")
	h.Broadcast("lobby", lobby.Event{Seq: 1})
	assert.Empty(t, a.drain())
	assert.Len(t, b.drain(), 1)

	h.Close("lobby")
	assert.Equal(t, 0, h.Count("lobby"))
	h.Broadcast("lobby", lobby.Event{Seq: 2})
	assert.Empty(t, b.drain())

	h.Unsubscribe("missing", "x")
}

func TestConcurrentSubscribeAndBroadcast(t *testing.T) {
	h := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			h.Subscribe("busy", newChanSub(fmt.Sprintf("s%d", i), 64))
		}(i)
		go func(i int) {
			defer wg.Done()
			h.Broadcast("busy", lobby.Event{Seq: i})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, h.Count("busy"))
}

func TestHubWithRegistry(t *testing.T) {
	h := newTestHub()
	l := logrus.New()
	l.SetOutput(io.Discard)
	reg := lobby.NewRegistry(lobby.Options{
		Broadcaster: h,
		BotFill:     lobby.BotFillPolicy{Mode: lobby.BotFillOff},
		Logger:      l,
	})

	a := newChanSub("conn-a", 16)
	b := newChanSub("conn-b", 16)
	_, err := reg.Join("pair", 2, lobby.NewPlayer("a", "A"), a)
	require.NoError(t, err)
	_, err = reg.Join("pair", 2, lobby.NewPlayer("b", "B"), b)
	require.NoError(t, err)

	aEvents := a.drain()
	require.Len(t, aEvents, 3)
	assert.Equal(t, lobby.EventLobbyUpdate, aEvents[0].Type)
	assert.Equal(t, lobby.EventLobbyUpdate, aEvents[1].Type)
	assert.Equal(t, lobby.EventMatchStart, aEvents[2].Type)

	bEvents := b.drain()
	require.Len(t, bEvents, 2)
	assert.Equal(t, lobby.EventMatchStart, bEvents[1].Type)
}
