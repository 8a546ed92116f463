package portpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New([]int{30001, 30002})

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{30001, 30002}, []int{a, b})
	assert.Equal(t, 0, p.Len())

	p.Release(a)
	assert.Equal(t, 1, p.Len())
	p.Release(b)
	assert.Equal(t, 2, p.Len())
}

func TestAcquireBlocksUntilContextDone(t *testing.T) {
	p := New([]int{1})
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.Error(t, err)
}

func TestLenConstantAcrossLifecycle(t *testing.T) {
	p := New([]int{1, 2, 3})
	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())
	p.Release(a)
	p.Release(b)
	assert.Equal(t, 3, p.Len())
}
