package modconfig

import (
	"context"
	"sync"
)

// subscriber buffers published snapshots so a slow reader never blocks a
// writer and never misses a version.
type subscriber struct {
	mu     sync.Mutex
	queue  []Snapshot
	notify chan struct{}
}

func (sub *subscriber) push(s Snapshot) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, s)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscriber) take() []Snapshot {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	q := sub.queue
	sub.queue = nil
	return q
}

// Subscribe delivers every version of id published after the call, in order.
// The channel is closed once ctx is done.
func (s *Store) Subscribe(ctx context.Context, id string) (<-chan Snapshot, error) {
	if _, err := s.Current(id); err != nil {
		return nil, err
	}
	c := s.cell(id)
	sub := &subscriber{notify: make(chan struct{}, 1)}

	c.subMu.Lock()
	key := c.nextSub
	c.nextSub++
	c.subs[key] = sub
	c.subMu.Unlock()

	out := make(chan Snapshot)
	go func() {
		defer close(out)
		defer func() {
			c.subMu.Lock()
			delete(c.subs, key)
			c.subMu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.notify:
			}
			for _, snap := range sub.take() {
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Subscribers reports how many live subscriptions id has.
func (s *Store) Subscribers(id string) int {
	c := s.cell(id)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

func (c *cell) publish(s Snapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, sub := range c.subs {
		sub.push(s)
	}
}
