package shared

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexTryLock(t *testing.T) {
	km := NewKeyedMutex()

	require.True(t, km.TryLock("a"))
	require.False(t, km.TryLock("a"))
	require.True(t, km.TryLock("b"), "independent keys must not contend")

	km.Unlock("a")
	require.True(t, km.TryLock("a"))
}

func TestKeyedMutexUnlockUnheldKey(t *testing.T) {
	km := NewKeyedMutex()
	km.Unlock("never-locked")
	require.True(t, km.TryLock("never-locked"))
}

func TestKeyedMutexSingleWinnerUnderContention(t *testing.T) {
	km := NewKeyedMutex()
	const goroutines = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if km.TryLock("group") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}
