package application

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitLocksSerializeSameKey(t *testing.T) {
	locks := newUnitLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("unit-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, locks.size(), "idle entries are released")
}

func TestUnitLocksIndependentKeys(t *testing.T) {
	locks := newUnitLocks()
	unlockA := locks.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locks.lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
