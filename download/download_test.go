package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoDeduplicatesConcurrentFetches(t *testing.T) {
	d := New()
	ctx := context.Background()

	var fetches atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches.Add(1)
		<-release
		return []byte("content"), nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, errs[i] = d.Do(ctx, "main::guide.md", fetch)
		}()
	}

	// Give the goroutines a chance to pile onto the same key.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load(), "only one remote fetch for the shared key")
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("content"), results[i])
	}
}

func TestDoDistinctKeysFetchIndependently(t *testing.T) {
	d := New()
	ctx := context.Background()

	var fetches atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches.Add(1)
		return []byte("x"), nil
	}

	_, _, err := d.Do(ctx, "main::a.md", fetch)
	require.NoError(t, err)
	_, _, err = d.Do(ctx, "main::b.md", fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(2), fetches.Load())
}

func TestDoFailureIsRetriable(t *testing.T) {
	d := New()
	ctx := context.Background()

	boom := errors.New("remote unavailable")
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return []byte("recovered"), nil
	}

	_, _, err := d.Do(ctx, "main::a.md", fetch)
	require.ErrorIs(t, err, boom)

	content, _, err := d.Do(ctx, "main::a.md", fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), content)
}

func TestDoHonoursCallerContext(t *testing.T) {
	d := New()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _, err := d.Do(ctx, "main::slow.md", func(ctx context.Context) ([]byte, error) {
			<-release
			return []byte("late"), nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	cancel()
	<-done
	close(release)
}
