package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalResolvesOnce(t *testing.T) {
	s := New[int]()
	assert.False(t, s.IsDone())

	require.True(t, s.Resolve(1))
	assert.False(t, s.Resolve(2))
	assert.False(t, s.Fail(errors.New("late")))

	v, err := s.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, s.IsDone())
	assert.True(t, s.IsAnswered())
}

func TestSignalAnsweredIsMerged(t *testing.T) {
	s := New[string]()
	boom := errors.New("boom")
	require.True(t, s.Fail(boom))
	assert.False(t, s.IsAnswered())

	assert.False(t, s.Resolve("ok"))
	assert.True(t, s.IsAnswered())

	_, err := s.Await(context.Background(), 0)
	assert.ErrorIs(t, err, boom)
}

func TestSignalAwaitTimeout(t *testing.T) {
	s := New[int]()
	_, err := s.Await(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.False(t, s.IsDone())
}

func TestSignalAwaitContext(t *testing.T) {
	s := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Await(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSignalCancel(t *testing.T) {
	s := New[int]()
	require.True(t, s.Cancel())
	_, err := s.Await(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrCanceled)
	_, _, ok := s.Result()
	assert.True(t, ok)
}

func TestSignalConcurrentResolution(t *testing.T) {
	s := New[int]()
	var wg sync.WaitGroup
	winners := make(chan int, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Resolve(i) {
				winners <- i
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var got []int
	for w := range winners {
		got = append(got, w)
	}
	require.Len(t, got, 1)
	v, err := s.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, got[0], v)
}
