package keylock_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/keylock"
)

func TestRegistrySerializesPerKey(t *testing.T) {
	t.Parallel()
	r := keylock.New()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("alice")
			defer unlock()
			c := counter
			counter = c + 1
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
	require.Zero(t, r.Len())
}

func TestRegistryIndependentKeys(t *testing.T) {
	t.Parallel()
	r := keylock.New()

	unlockA := r.Lock("alice")
	done := make(chan struct{})
	go func() {
		unlock := r.Lock("bob")
		unlock()
		close(done)
	}()
	<-done
	require.Equal(t, 1, r.Len())
	unlockA()
	require.Zero(t, r.Len())
}
