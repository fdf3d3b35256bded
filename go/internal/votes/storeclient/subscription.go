package storeclient

import (
	"context"
	"errors"
	"sync"

	"github.com/mcdev12/livevote/go/internal/models"
	"github.com/mcdev12/livevote/go/internal/votes/protocol"
)

// Subscription delivers the snapshots pushed for one Subscribe call.
type Subscription struct {
	client *Client

	in  chan models.VoteTable
	out chan models.VoteTable

	stopped  chan struct{}
	ended    chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once
}

func newSubscription(c *Client) *Subscription {
	return &Subscription{
		client:  c,
		in:      make(chan models.VoteTable),
		out:     make(chan models.VoteTable),
		stopped: make(chan struct{}),
		ended:   make(chan struct{}),
	}
}

// Snapshots returns the stream of full tables. It is closed after
// Unsubscribe, or once the queued snapshots of an ended connection have been
// delivered.
func (s *Subscription) Snapshots() <-chan models.VoteTable {
	return s.out
}

// Unsubscribe stops delivery at once. The gateway stops pushing when the
// client's last subscription goes away.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if !s.stop() {
		return nil
	}
	if !s.client.detach(s) {
		return nil
	}
	err := s.client.request(ctx, &protocol.Frame{Type: protocol.FrameUnsubscribe})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// push hands a snapshot to the queue. Called only by the client's reader.
func (s *Subscription) push(table models.VoteTable) {
	select {
	case s.in <- table:
	case <-s.stopped:
	case <-s.ended:
	}
}

func (s *Subscription) stop() bool {
	first := false
	s.stopOnce.Do(func() {
		first = true
		close(s.stopped)
	})
	return first
}

func (s *Subscription) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

// pump moves snapshots from the reader to the consumer through an unbounded
// queue, so a slow consumer never stalls the connection.
func (s *Subscription) pump() {
	defer close(s.out)

	var queue []models.VoteTable
	for {
		var out chan models.VoteTable
		var next models.VoteTable
		if len(queue) > 0 {
			out = s.out
			next = queue[0]
		}

		select {
		case table := <-s.in:
			queue = append(queue, table)
		case out <- next:
			queue[0] = nil
			queue = queue[1:]
		case <-s.stopped:
			return
		case <-s.ended:
			for _, table := range queue {
				select {
				case s.out <- table:
				case <-s.stopped:
					return
				}
			}
			return
		}
	}
}
