package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Write(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(sink, 16)

	userID := uuid.New()
	d.Log(Event{Action: ActionLoginSuccess, UserID: userID, At: time.Now()})
	d.Log(Event{Action: ActionLogout, UserID: userID, At: time.Now()})
	d.Close()

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, ActionLoginSuccess, events[0].Action)
	assert.Equal(t, ActionLogout, events[1].Action)
	assert.Equal(t, uint64(0), d.Dropped())
}

func TestDispatcher_CloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(&captureSink{}, 4)
	d.Close()
	d.Close()
}

func TestDispatcher_NeverBlocksCaller(t *testing.T) {
	block := make(chan struct{})
	slow := sinkFunc(func(Event) { <-block })
	d := NewDispatcher(slow, 1)

	// Worker takes the first event and parks; the second fills the buffer;
	// everything after must drop rather than block.
	for i := 0; i < 10; i++ {
		d.Log(Event{Action: ActionLoginFailure})
	}
	assert.GreaterOrEqual(t, d.Dropped(), uint64(1))
	close(block)
	d.Close()
}

type sinkFunc func(Event)

func (f sinkFunc) Write(e Event) { f(e) }
