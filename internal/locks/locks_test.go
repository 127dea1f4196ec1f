package locks

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_Exclusive(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	unlock, err := r.Lock(ctx, "0xa")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := r.Lock(ctx, "0xa")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}

func TestLock_IndependentKeys(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	a, err := r.Lock(ctx, "0xa")
	require.NoError(t, err)
	defer a()

	b, err := r.Lock(ctx, "0xb")
	require.NoError(t, err)
	b()
	assert.Equal(t, 2, r.Size())
}

func TestLock_ContextCancelled(t *testing.T) {
	r := NewRegistry()
	unlock, err := r.Lock(context.Background(), "0xa")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = r.Lock(ctx, "0xa")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMultiLock_DuplicateKeys(t *testing.T) {
	r := NewRegistry()

	unlock, err := r.MultiLock(context.Background(), []string{"0xb", "0xa", "0xb"})
	require.NoError(t, err)
	unlock()

	again, err := r.MultiLock(context.Background(), []string{"0xa", "0xb"})
	require.NoError(t, err)
	again()
}

func TestMultiLock_ReleasesHeldKeysOnCancel(t *testing.T) {
	r := NewRegistry()
	blocker, err := r.Lock(context.Background(), "0xc")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = r.MultiLock(ctx, []string{"0xa", "0xb", "0xc"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// 0xa and 0xb must be free again
	unlock, err := r.MultiLock(context.Background(), []string{"0xa", "0xb"})
	require.NoError(t, err)
	unlock()
	blocker()
}

func TestMultiLock_OverlappingGroupsNeverDeadlock(t *testing.T) {
	r := NewRegistry()
	rng := rand.New(rand.NewPCG(7, 11))

	const (
		keys    = 8
		workers = 200
	)

	var holders [keys]atomic.Int32
	var violations atomic.Int32

	groups := make([][]string, workers)
	for i := range groups {
		size := 2 + rng.IntN(3)
		for range size {
			groups[i] = append(groups[i], fmt.Sprintf("0x%d", rng.IntN(keys)))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []string) {
			defer wg.Done()
			unlock, err := r.MultiLock(ctx, group)
			if err != nil {
				return
			}
			defer unlock()

			seen := map[string]bool{}
			for _, k := range group {
				if seen[k] {
					continue
				}
				seen[k] = true
				var idx int
				fmt.Sscanf(k, "0x%d", &idx)
				if holders[idx].Add(1) > 1 {
					violations.Add(1)
				}
			}
			time.Sleep(time.Millisecond)
			for k := range seen {
				var idx int
				fmt.Sscanf(k, "0x%d", &idx)
				holders[idx].Add(-1)
			}
		}(group)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("multi-lock workers did not finish in time")
	}
	assert.Zero(t, violations.Load())
	require.NoError(t, ctx.Err())
}
