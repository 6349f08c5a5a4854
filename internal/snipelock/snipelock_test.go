package snipelock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutex_SerializesCriticalSection(t *testing.T) {
	m := NewMutex()

	var counter int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			require.NoError(t, m.Lock(ctx))
			defer m.Unlock(ctx)

			n := atomic.AddInt32(&counter, 1)
			if n > atomic.LoadInt32(&maxObserved) {
				atomic.StoreInt32(&maxObserved, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxObserved)
}

func TestMutex_LockRespectsCanceledContext(t *testing.T) {
	m := NewMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Lock(ctx)
	assert.Error(t, err)
}
