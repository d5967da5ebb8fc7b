package trading

import (
	"context"
	"sync"
)

// AccountQueues serializes work per account in arrival order. Accounts never block each other.
type AccountQueues struct {
	mu     sync.Mutex
	queues map[string]*accountQueue
}

type accountQueue struct {
	busy    bool
	waiters []chan struct{}
}

// NewAccountQueues creates an empty set of queues.
func NewAccountQueues() *AccountQueues {
	return &AccountQueues{queues: make(map[string]*accountQueue)}
}

// Acquire waits for the account's turn. The returned release must be called exactly once.
// A caller whose context ends while waiting leaves the queue without disturbing the others.
func (q *AccountQueues) Acquire(ctx context.Context, accountID string) (func(), error) {
	q.mu.Lock()
	aq, ok := q.queues[accountID]
	if !ok {
		aq = &accountQueue{}
		q.queues[accountID] = aq
	}
	if !aq.busy {
		aq.busy = true
		q.mu.Unlock()
		return q.releaser(accountID), nil
	}
	turn := make(chan struct{})
	aq.waiters = append(aq.waiters, turn)
	q.mu.Unlock()

	select {
	case <-turn:
		return q.releaser(accountID), nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, w := range aq.waiters {
			if w == turn {
				aq.waiters = append(aq.waiters[:i], aq.waiters[i+1:]...)
				q.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		q.mu.Unlock()
		// the turn was handed over as we gave up; pass it on
		q.release(accountID)
		return nil, ctx.Err()
	}
}

// Pending reports how many callers are waiting behind the current holder.
func (q *AccountQueues) Pending(accountID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if aq, ok := q.queues[accountID]; ok {
		return len(aq.waiters)
	}
	return 0
}

func (q *AccountQueues) releaser(accountID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { q.release(accountID) })
	}
}

func (q *AccountQueues) release(accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	aq, ok := q.queues[accountID]
	if !ok {
		return
	}
	if len(aq.waiters) > 0 {
		next := aq.waiters[0]
		aq.waiters = aq.waiters[1:]
		close(next)
		return
	}
	aq.busy = false
	delete(q.queues, accountID)
}
