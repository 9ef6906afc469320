package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard(t *testing.T) {
	t.Parallel()

	var g Guard
	assert.False(t, g.Running())
	assert.True(t, g.TryStart())
	assert.False(t, g.TryStart())
	assert.True(t, g.Running())

	g.Stop()
	assert.False(t, g.Running())
	assert.True(t, g.TryStart())
}

func TestGuard_ConcurrentStart(t *testing.T) {
	t.Parallel()

	var (
		g    Guard
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryStart() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
