package logger

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnceFirst(t *testing.T) {
	o := NewOnce()

	assert.True(t, o.First("backend-down"))
	assert.False(t, o.First("backend-down"))

	// Names are independent.
	assert.True(t, o.First("other"))

	o.Reset()
	assert.True(t, o.First("backend-down"))
}

func TestOnceConcurrentFirst(t *testing.T) {
	o := NewOnce()

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.First("contended") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
}
