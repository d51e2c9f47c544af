package nitra

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsPostedWork(t *testing.T) {
	p := NewPool(4, 10*time.Millisecond, 50*time.Millisecond)
	defer p.Stop()

	var ran atomic.Bool
	f := p.Post(func() error {
		ran.Store(true)
		return nil
	})
	require.NotNil(t, f)
	require.NoError(t, f.Wait())
	assert.True(t, ran.Load())
}

func TestPoolFutureCarriesWorkError(t *testing.T) {
	p := NewPool(2, 10*time.Millisecond, 50*time.Millisecond)
	defer p.Stop()

	wantErr := errors.New("boom")
	f := p.Post(func() error { return wantErr })
	assert.Equal(t, wantErr, f.Wait())
}

func TestPoolSpawnsOneWorkerLazily(t *testing.T) {
	p := NewPool(4, 10*time.Millisecond, 50*time.Millisecond)
	defer p.Stop()

	assert.Equal(t, 0, p.WorkerCount())
	f := p.Post(func() error { return nil })
	require.NoError(t, f.Wait())
	assert.Equal(t, 1, p.WorkerCount())
}

func TestPoolDownscalesIdleWorkers(t *testing.T) {
	p := NewPool(4, 10*time.Millisecond, 20*time.Millisecond)
	defer p.Stop()

	require.NoError(t, p.Post(func() error { return nil }).Wait())
	require.Equal(t, 1, p.WorkerCount())

	assert.Eventually(t, func() bool {
		return p.WorkerCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPoolUpscalesUnderSustainedBacklog(t *testing.T) {
	p := NewPool(3, 5*time.Millisecond, time.Second)
	defer p.Stop()

	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		p.Post(func() error {
			<-release
			return nil
		})
	}

	assert.Eventually(t, func() bool {
		return p.WorkerCount() == 3
	}, time.Second, 5*time.Millisecond)

	close(release)
}

func TestPoolStopResolvesPendingWithError(t *testing.T) {
	p := NewPool(1, time.Second, time.Second)

	block := make(chan struct{})
	first := p.Post(func() error {
		<-block
		return nil
	})
	second := p.Post(func() error { return nil })

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()

	p.Stop()
	_ = first.Wait()
	assert.Equal(t, ErrPoolStopped, second.Wait())
}

func TestPoolPostAfterStopReturnsNil(t *testing.T) {
	p := NewPool(1, time.Second, time.Second)
	p.Stop()
	assert.Nil(t, p.Post(func() error { return nil }))
}
