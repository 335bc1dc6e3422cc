package stream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoop_RunsInOrder(t *testing.T) {
	l := NewLoop()
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Do(func() {})

	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_PostFromLoop(t *testing.T) {
	l := NewLoop()
	defer l.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	l.Post(func() {
		l.Post(wg.Done)
	})
	wg.Wait()
}

func TestLoop_ConcurrentPosters(t *testing.T) {
	l := NewLoop()
	defer l.Stop()

	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Do(func() { count++ })
			}
		}()
	}
	wg.Wait()

	l.Do(func() {})
	assert.Equal(t, 1000, count)
}

func TestLoop_Stop(t *testing.T) {
	l := NewLoop()
	l.Stop()
	l.Stop()

	assert.False(t, l.Post(func() {}))
	assert.False(t, l.Do(func() {}))
}
