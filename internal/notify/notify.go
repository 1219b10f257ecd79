package notify

import (
	"context"
	"sync"

	"contentflow.org/internal/obs"
	"contentflow.org/internal/workflow"
)

// Stream fan-outs transition notifications to all active subscribers
// (SSE clients and in-process listeners).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan workflow.Notification
	next int
}

var _ workflow.Notifier = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan workflow.Notification)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// notifications. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan workflow.Notification {
	ch := make(chan workflow.Notification, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// TransitionPerformed publishes the notification to every subscriber and
// logs it. Implements workflow.Notifier; called by the engine after commit.
func (s *Stream) TransitionPerformed(ctx context.Context, n workflow.Notification) {
	obs.LogEvent("info", "transition performed", map[string]any{
		"content_id":    n.ContentID,
		"transition_id": n.TransitionID,
		"actor":         n.Actor,
		"from_users":    len(n.FromStateUsers),
		"to_users":      len(n.ToStateUsers),
	})
	s.Publish(n)
}

// Publish fan-outs the notification to all subscribers.
func (s *Stream) Publish(n workflow.Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
