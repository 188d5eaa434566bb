// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sequence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSNIdempotent(t *testing.T) {
	t.Parallel()
	a := NewAllocator(0)

	sn1, guard := a.EnsureSN("$event1")
	require.NotNil(t, guard)
	assert.Equal(t, SN(1), sn1)

	// Second call returns the same sn with no guard.
	sn2, guard2 := a.EnsureSN("$event1")
	assert.Equal(t, sn1, sn2)
	assert.Nil(t, guard2)

	sn3, guard3 := a.EnsureSN("$event2")
	require.NotNil(t, guard3)
	assert.Equal(t, SN(2), sn3)
}

func TestEnsureSNConcurrentSameEvent(t *testing.T) {
	t.Parallel()
	a := NewAllocator(0)

	const goroutines = 32
	sns := make([]SN, goroutines)
	guards := make([]*ReleaseGuard, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sns[i], guards[i] = a.EnsureSN("$contested")
		}(i)
	}
	wg.Wait()

	issued := 0
	for i := 0; i < goroutines; i++ {
		assert.Equal(t, SN(1), sns[i], "every caller sees the same sn")
		if guards[i] != nil {
			issued++
		}
	}
	assert.Equal(t, 1, issued, "exactly one guard is issued for a new event")
}

func TestWaitForSNBlocksUntilContiguous(t *testing.T) {
	t.Parallel()
	a := NewAllocator(0)

	_, g1 := a.EnsureSN("$e1")
	_, g2 := a.EnsureSN("$e2")
	_, g3 := a.EnsureSN("$e3")

	// Release out of order: 3 then 1. The watermark must not jump over the
	// still-pending 2.
	g3.Release()
	g1.Release()
	assert.Equal(t, SN(1), a.Committed())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.WaitForSN(ctx, 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- a.WaitForSN(context.Background(), 3)
	}()
	g2.Release()
	require.NoError(t, <-done)
	assert.Equal(t, SN(3), a.Committed())
}

func TestWaitForSNAlreadyCommitted(t *testing.T) {
	t.Parallel()
	a := NewAllocator(0)
	_, g := a.EnsureSN("$e1")
	g.Release()
	// Releasing twice is harmless.
	g.Release()
	assert.NoError(t, a.WaitForSN(context.Background(), 1))
}

func TestAllocatorStartsAboveHighWaterMark(t *testing.T) {
	t.Parallel()
	a := NewAllocator(100)
	sn, g := a.EnsureSN("$e1")
	require.NotNil(t, g)
	assert.Equal(t, SN(101), sn)
	g.Release()
	assert.Equal(t, SN(101), a.Committed())
}

func TestAllocatorManyEvents(t *testing.T) {
	t.Parallel()
	a := NewAllocator(0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, g := a.EnsureSN(fmt.Sprintf("$event%d", i))
			if g != nil {
				g.Release()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, SN(100), a.Committed())
	require.NoError(t, a.WaitForSN(context.Background(), 100))

	// All 100 sns are distinct.
	seen := make(map[SN]struct{})
	for i := 0; i < 100; i++ {
		sn, ok := a.SN(fmt.Sprintf("$event%d", i))
		require.True(t, ok)
		seen[sn] = struct{}{}
	}
	assert.Len(t, seen, 100)
}
