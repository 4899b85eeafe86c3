package extacct

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenSourceSingleFlight(t *testing.T) {
	var logins atomic.Int32
	gate := make(chan struct{})
	source := NewTokenSource(func(ctx context.Context) (string, error) {
		logins.Add(1)
		<-gate
		return "tok-1", nil
	})

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = source.Token(context.Background())
		}(i)
	}
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), logins.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "tok-1", tokens[i])
	}
}

func TestTokenSourceCachesAcrossCalls(t *testing.T) {
	var logins atomic.Int32
	source := NewTokenSource(func(ctx context.Context) (string, error) {
		logins.Add(1)
		return "tok-1", nil
	})

	for i := 0; i < 5; i++ {
		token, err := source.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "tok-1", token)
	}
	require.Equal(t, int32(1), logins.Load())
}

func TestTokenSourceInvalidateForcesRelogin(t *testing.T) {
	var logins atomic.Int32
	source := NewTokenSource(func(ctx context.Context) (string, error) {
		n := logins.Add(1)
		if n == 1 {
			return "tok-1", nil
		}
		return "tok-2", nil
	})

	token, err := source.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	source.Invalidate()

	token, err = source.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", token)
	require.Equal(t, int32(2), logins.Load())
}

func TestTokenSourceLoginFailureNotCached(t *testing.T) {
	var logins atomic.Int32
	source := NewTokenSource(func(ctx context.Context) (string, error) {
		if logins.Add(1) == 1 {
			return "", errors.New("upstream down")
		}
		return "tok-1", nil
	})

	_, err := source.Token(context.Background())
	require.Error(t, err)

	token, err := source.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)
}

func TestTokenSourceHonoursCallerCancellation(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	source := NewTokenSource(func(ctx context.Context) (string, error) {
		<-gate
		return "tok-1", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := source.Token(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
