// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sequence assigns monotonically increasing sequence numbers ("sn")
// to event IDs as the server first learns about them. The sn is a total order
// proxy used as the join key for derived tables, because causal depth is not
// a safe total order across federation forks.
package sequence

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// SN is a server-local monotonic sequence number.
type SN int64

// Allocator hands out sequence numbers. Allocation and event persistence are
// not the same transaction, so each fresh allocation comes with a
// ReleaseGuard: consumers waiting on "everything below N is durable" are only
// woken once every allocated sn at or below N has been released.
type Allocator struct {
	mu        sync.Mutex
	next      SN
	byEvent   map[string]SN
	pending   map[SN]struct{}
	waiters   map[SN][]chan struct{}
	committed atomic.Int64
}

// NewAllocator returns an allocator that will hand out sequence numbers
// starting above the given high water mark, typically the largest sn found in
// storage at startup.
func NewAllocator(start SN) *Allocator {
	a := &Allocator{
		next:    start,
		byEvent: make(map[string]SN),
		pending: make(map[SN]struct{}),
		waiters: make(map[SN][]chan struct{}),
	}
	a.committed.Store(int64(start))
	return a
}

// EnsureSN returns the sequence number for the given event ID, allocating the
// next one if the event has not been seen before. The call is idempotent: a
// repeated call returns the same sn with a nil guard and no side effects. A
// non-nil guard MUST be released once the event row is durably written (or
// the write abandoned), otherwise WaitForSN callers stall forever.
func (a *Allocator) EnsureSN(eventID string) (SN, *ReleaseGuard) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sn, ok := a.byEvent[eventID]; ok {
		return sn, nil
	}
	a.next++
	sn := a.next
	a.byEvent[eventID] = sn
	a.pending[sn] = struct{}{}
	return sn, &ReleaseGuard{allocator: a, sn: sn}
}

// Track registers a sequence number that was assigned externally, typically
// by the database sequence backing the events table. A fresh registration
// returns a guard with the same release contract as EnsureSN; an event that
// is already tracked returns nil.
func (a *Allocator) Track(eventID string, sn SN) *ReleaseGuard {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byEvent[eventID]; ok {
		return nil
	}
	a.byEvent[eventID] = sn
	if sn > a.next {
		a.next = sn
	}
	a.pending[sn] = struct{}{}
	return &ReleaseGuard{allocator: a, sn: sn}
}

// SN returns the sequence number previously allocated to the event, if any.
func (a *Allocator) SN(eventID string) (SN, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sn, ok := a.byEvent[eventID]
	return sn, ok
}

// Committed returns the highest sn such that every allocation at or below it
// has been released.
func (a *Allocator) Committed() SN {
	return SN(a.committed.Load())
}

// WaitForSN blocks until every sn at or below the given sn has been released,
// or the context is cancelled.
func (a *Allocator) WaitForSN(ctx context.Context, sn SN) error {
	a.mu.Lock()
	if SN(a.committed.Load()) >= sn {
		a.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	a.waiters[sn] = append(a.waiters[sn], ch)
	a.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release marks the sn as durable and advances the committed watermark over
// any contiguous run of released sns, waking eligible waiters.
func (a *Allocator) release(sn SN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, sn)

	committed := SN(a.committed.Load())
	for next := committed + 1; next <= a.next; next++ {
		if _, stillPending := a.pending[next]; stillPending {
			break
		}
		committed = next
	}
	a.committed.Store(int64(committed))

	var due []SN
	for waitSN := range a.waiters {
		if waitSN <= committed {
			due = append(due, waitSN)
		}
	}
	// Wake in order so earlier waiters are never starved behind later ones.
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	for _, waitSN := range due {
		for _, ch := range a.waiters[waitSN] {
			close(ch)
		}
		delete(a.waiters, waitSN)
	}
}

// ReleaseGuard is returned for every fresh allocation. Release is safe to
// call more than once.
type ReleaseGuard struct {
	allocator *Allocator
	sn        SN
	once      sync.Once
}

// SN returns the sequence number this guard covers.
func (g *ReleaseGuard) SN() SN { return g.sn }

// Release signals that the allocation is durably committed (or abandoned).
func (g *ReleaseGuard) Release() {
	g.once.Do(func() {
		g.allocator.release(g.sn)
	})
}
