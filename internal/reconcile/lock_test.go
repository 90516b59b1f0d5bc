package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreadLocksSerializeSameThread(t *testing.T) {
	locks := NewThreadLocks()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Lock("thread-1")
			defer release()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, locks.Len())
}

func TestThreadLocksIndependentThreads(t *testing.T) {
	locks := NewThreadLocks()

	releaseA := locks.Lock("a")
	releaseB := locks.Lock("b")
	assert.Equal(t, 2, locks.Len())

	releaseA()
	releaseB()
	assert.Equal(t, 0, locks.Len())
}
