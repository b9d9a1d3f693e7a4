package runpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsJobs(t *testing.T) {
	p := New[int](context.Background(), Options{Workers: 3})
	defer p.Close()

	var chans []<-chan Result[int]
	for i := 0; i < 10; i++ {
		i := i
		chans = append(chans, p.Submit(fmt.Sprint(i), func(context.Context) (int, error) {
			return i * i, nil
		}))
	}
	for i, c := range chans {
		res := <-c
		require.NoError(t, res.Err)
		assert.Equal(t, i*i, res.Value)
		assert.Equal(t, fmt.Sprint(i), res.Key)
	}
}

func TestPoolReportsErrors(t *testing.T) {
	p := New[string](context.Background(), Options{Workers: 1})
	defer p.Close()

	res := <-p.Submit("bad", func(context.Context) (string, error) {
		return "", errors.New("unreadable")
	})
	assert.EqualError(t, res.Err, "unreadable")
	assert.Equal(t, "", res.Value)
}

func TestPoolQueueFull(t *testing.T) {
	release := make(chan struct{})
	p := New[int](context.Background(), Options{Workers: 1, QueueSize: 1})
	defer p.Close()
	defer close(release)

	started := make(chan struct{})
	blocking := func(context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	}
	p.Submit("a", blocking)
	<-started // worker busy

	p.Submit("b", func(context.Context) (int, error) { return 2, nil }) // fills the queue
	res := <-p.Submit("c", func(context.Context) (int, error) { return 3, nil })
	assert.ErrorIs(t, res.Err, ErrQueueFull)
}

func TestPoolSharesIdenticalJobs(t *testing.T) {
	p := New[int](context.Background(), Options{Workers: 2})
	defer p.Close()

	var calls atomic.Int32
	gate := make(chan struct{})
	job := func(context.Context) (int, error) {
		calls.Add(1)
		<-gate
		return 42, nil
	}

	a := p.Submit("same.mp4", job)
	b := p.Submit("same.mp4", job)
	time.Sleep(50 * time.Millisecond)
	close(gate)

	ra, rb := <-a, <-b
	assert.Equal(t, 42, ra.Value)
	assert.Equal(t, 42, rb.Value)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, ra.Shared && rb.Shared)
}

func TestPoolCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New[int](ctx, Options{Workers: 1})
	defer p.Close()

	res := p.Submit("slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	cancel()
	assert.ErrorIs(t, (<-res).Err, context.Canceled)
}

func TestSubmitAfterClose(t *testing.T) {
	p := New[int](context.Background(), Options{})
	p.Close()
	p.Close()

	res := <-p.Submit("late", func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, res.Err, ErrClosed)
}
