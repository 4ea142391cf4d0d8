package ingestion

import (
	"context"
	"fmt"
	"sync"
)

// keyedMutex serializes work per key. Each key holds a one-slot channel, so
// a waiter can give up when its context ends. Entries are reference counted
// and removed when the last holder or waiter leaves, so the map does not
// grow with the number of distinct documents ever seen.
type keyedMutex struct {
	// mu guards entries.
	mu sync.Mutex

	// entries maps a key to its slot and waiter count.
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	// slot holds a value while the key is locked.
	slot chan struct{}
	// refs counts the holder and every waiter.
	refs int
}

// Lock blocks until key is free or ctx ends. On success it returns the
// matching unlock function; otherwise it returns ctx's error.
func (k *keyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ingestion: waiting for document %s: %w", key, err)
	}
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*keyedEntry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{slot: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, fmt.Errorf("ingestion: waiting for document %s: %w", key, ctx.Err())
	}
	return func() {
		<-e.slot
		k.release(key, e)
	}, nil
}

func (k *keyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// size returns the number of live entries.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
