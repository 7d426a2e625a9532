package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// relayStub is a minimal websocket endpoint that records what the client
// sends and can push scripted messages back.
type relayStub struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []Message
}

func newRelayStub(t *testing.T) (*relayStub, *httptest.Server) {
	stub := &relayStub{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := stub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.mu.Lock()
		stub.conns = append(stub.conns, conn)
		stub.mu.Unlock()

		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			stub.mu.Lock()
			stub.received = append(stub.received, msg)
			stub.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *relayStub) push(t *testing.T, event Event, payload any) {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, conn.WriteJSON(Message{Event: event, Data: data}))
}

func (s *relayStub) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.received...)
}

func (s *relayStub) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *relayStub) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialChannel(t *testing.T, srv *httptest.Server) *Channel {
	ch := NewChannel(wsURL(srv), zaptest.NewLogger(t))
	ch.backoffInitial = 10 * time.Millisecond
	ch.backoffMax = 50 * time.Millisecond
	ch.maxElapsed = 2 * time.Second
	require.NoError(t, ch.Dial(context.Background()))
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestSendReachesRelay(t *testing.T) {
	stub, srv := newRelayStub(t)
	ch := dialChannel(t, srv)

	require.NoError(t, ch.Send(EventJoinMeeting, JoinRequest{MeetingID: "m1", DisplayName: "alice"}))

	require.Eventually(t, func() bool {
		return len(stub.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := stub.messages()[0]
	assert.Equal(t, EventJoinMeeting, msg.Event)

	var req JoinRequest
	require.NoError(t, json.Unmarshal(msg.Data, &req))
	assert.Equal(t, "m1", req.MeetingID)
}

func TestDispatchInArrivalOrder(t *testing.T) {
	stub, srv := newRelayStub(t)
	ch := NewChannel(wsURL(srv), zaptest.NewLogger(t))

	var mu sync.Mutex
	var got []string
	ch.Handle(EventParticipantLeft, func(data json.RawMessage) {
		var p ParticipantLeft
		require.NoError(t, json.Unmarshal(data, &p))
		mu.Lock()
		got = append(got, p.SessionID)
		mu.Unlock()
	})

	require.NoError(t, ch.Dial(context.Background()))
	defer ch.Close()

	require.Eventually(t, func() bool { return stub.connCount() == 1 }, time.Second, 10*time.Millisecond)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		stub.push(t, EventParticipantLeft, ParticipantLeft{SessionID: id})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestUnknownEventHook(t *testing.T) {
	stub, srv := newRelayStub(t)
	ch := NewChannel(wsURL(srv), zaptest.NewLogger(t))

	unknown := make(chan Event, 1)
	ch.HandleUnknown(func(event Event, _ json.RawMessage) {
		unknown <- event
	})

	require.NoError(t, ch.Dial(context.Background()))
	defer ch.Close()

	require.Eventually(t, func() bool { return stub.connCount() == 1 }, time.Second, 10*time.Millisecond)
	stub.push(t, Event("mystery-event"), map[string]string{"x": "y"})

	select {
	case ev := <-unknown:
		assert.Equal(t, Event("mystery-event"), ev)
	case <-time.After(2 * time.Second):
		t.Fatal("unknown-event hook never fired")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	stub, srv := newRelayStub(t)

	ch := NewChannel(wsURL(srv), zaptest.NewLogger(t))
	ch.backoffInitial = 10 * time.Millisecond
	ch.backoffMax = 50 * time.Millisecond
	ch.maxElapsed = 2 * time.Second

	disconnected := make(chan error, 1)
	reconnected := make(chan struct{}, 1)
	ch.OnDisconnect(func(err error) { disconnected <- err })
	ch.OnReconnect(func() { reconnected <- struct{}{} })

	require.NoError(t, ch.Dial(context.Background()))
	defer ch.Close()

	require.Eventually(t, func() bool { return stub.connCount() == 1 }, time.Second, 10*time.Millisecond)
	stub.dropConnections()

	select {
	case err := <-disconnected:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook never fired")
	}
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect hook never fired")
	}
	assert.Equal(t, 2, stub.connCount())

	// The new transport still carries messages.
	require.NoError(t, ch.Send(EventLeaveMeeting, nil))
	require.Eventually(t, func() bool {
		return len(stub.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendAfterClose(t *testing.T) {
	_, srv := newRelayStub(t)
	ch := dialChannel(t, srv)

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(EventLeaveMeeting, nil), ErrClosed)
	require.NoError(t, ch.Close())
}
