package script

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := NewRingChannel[int](3)

	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}
	assert.Equal(t, 3, rc.Len())

	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)
	assert.Equal(t, Metrics{Processed: 3, Written: 5, Overwritten: 2}, rc.Metrics())
}

func TestRingChannel_TrySend(t *testing.T) {
	rc := NewRingChannel[string](1)
	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"))
	assert.Equal(t, "a", <-rc.C())
}

func TestRingChannel_ConcurrentProducers(t *testing.T) {
	rc := NewRingChannel[int](8)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()

	m := rc.Metrics()
	assert.Equal(t, int64(400), m.Written)
	assert.Equal(t, int64(400-8), m.Overwritten)
	assert.Equal(t, 8, rc.Len())
}

func TestRingChannel_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}
