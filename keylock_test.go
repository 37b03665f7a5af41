package jobstore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyLock(t *testing.T) {
	t.Run("serializes the same key", func(t *testing.T) {
		l := newKeyLock()
		key := NewTriggerKey("t", "g")

		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := l.lock(key)
				defer unlock()

				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, maxInside.Load())
		assert.Zero(t, l.size())
	})

	t.Run("different keys do not block", func(t *testing.T) {
		l := newKeyLock()
		unlockA := l.lock(NewTriggerKey("a", "g"))

		done := make(chan struct{})
		go func() {
			unlock := l.lock(NewTriggerKey("b", "g"))
			unlock()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on another key blocked")
		}
		assert.Equal(t, 1, l.size())
		unlockA()
		assert.Zero(t, l.size())
	})
}
