package triage

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/go-core/log"
)

// persister writes id sets to a SetStore from a single goroutine. Only the
// most recent pending write is kept; older ones are superseded.
type persister struct {
	store  SetStore
	logger log.Logger
	hooks  SessionHooks

	mu       sync.Mutex
	pending  map[string][]AssetID
	enqueued uint64
	written  uint64
	progress chan struct{}

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newPersister(store SetStore, logger log.Logger, hooks SessionHooks) *persister {
	return &persister{
		store:    store,
		logger:   logger,
		hooks:    hooks,
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// enqueue schedules sets for writing and returns immediately.
func (p *persister) enqueue(sets map[string][]AssetID) {
	p.mu.Lock()
	p.pending = sets
	p.enqueued++
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
			p.writePending(ctx)
		}
	}
}

func (p *persister) writePending(ctx context.Context) {
	p.mu.Lock()
	sets, seq := p.pending, p.enqueued
	p.pending = nil
	p.mu.Unlock()

	if sets != nil {
		keys := make([]string, 0, len(sets))
		for k := range sets {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		for _, key := range keys {
			err := p.store.Save(ctx, key, sets[key])
			p.hooks.persist(err)
			if err != nil {
				p.logger.Error(ctx, err, "failed to persist id set", "key", key, "size", len(sets[key]))
			}
		}
	}

	p.mu.Lock()
	if seq > p.written {
		p.written = seq
	}
	close(p.progress)
	p.progress = make(chan struct{})
	p.mu.Unlock()
}

// Flush waits until every write enqueued before the call has been attempted.
func (p *persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	target := p.enqueued
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.written >= target {
			p.mu.Unlock()
			return nil
		}
		ch := p.progress
		p.mu.Unlock()

		select {
		case <-ch:
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *persister) stop() {
	close(p.quit)
	<-p.done
}
