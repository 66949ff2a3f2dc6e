package service

import (
	"context"
	"sync"
)

// pairLocks hands out one exclusive token per pair. Tokens are channels so
// waiting honours context cancellation.
type pairLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newPairLocks() *pairLocks {
	return &pairLocks{slots: make(map[string]chan struct{})}
}

func (l *pairLocks) slot(pair string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[pair]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[pair] = s
	}
	return s
}

func (l *pairLocks) acquire(ctx context.Context, pair string) (release func(), err error) {
	s := l.slot(pair)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
