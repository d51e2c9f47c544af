package nitra

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNotifier is a test double recording Register/Modify/Unregister calls
// without touching any OS readiness mechanism.
type fakeNotifier struct {
	registered map[int]EventMask
	unregd     []int
	stopped    bool
	stopCh     chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{registered: make(map[int]EventMask), stopCh: make(chan struct{})}
}

func (f *fakeNotifier) Register(fd int, events EventMask) error {
	f.registered[fd] = events
	return nil
}

func (f *fakeNotifier) Modify(fd int, events EventMask) error {
	f.registered[fd] = events
	return nil
}

func (f *fakeNotifier) Unregister(fd int) error {
	delete(f.registered, fd)
	f.unregd = append(f.unregd, fd)
	return nil
}

func (f *fakeNotifier) Start(handler EventHandler, dispatch func(func())) <-chan error {
	done := make(chan error, 1)
	go func() {
		<-f.stopCh
		done <- nil
	}()
	return done
}

func (f *fakeNotifier) Stop() {
	f.stopped = true
	close(f.stopCh)
}

// newLoopbackStream returns a real, fd-backed socketStream over a TCP
// loopback connection, since socketStream.Fd requires a genuine
// syscall.Conn (net.Pipe does not qualify).
func newLoopbackStream(t *testing.T) (*socketStream, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptedCh
	require.NotNil(t, server)

	stream, err := newSocketStream(server)
	require.NoError(t, err)

	cleanup := func() {
		_ = client.Close()
		_ = ln.Close()
	}
	return stream, cleanup
}

func newTestPool() *Pool {
	return NewPool(4, 5*time.Millisecond, 50*time.Millisecond)
}

func TestOrchestratorAddRegistersNotifier(t *testing.T) {
	fn := newFakeNotifier()
	pool := newTestPool()
	defer pool.Stop()

	o, err := NewOrchestrator(pool, NewChannel, withNotifier(fn))
	require.NoError(t, err)

	stream, cleanup := newLoopbackStream(t)
	defer cleanup()

	err = o.Add(stream, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, o.TaskCount())
	assert.Equal(t, EventCompletion|EventReadable, fn.registered[stream.Fd()])
}

func TestOrchestratorOnEventCompletionClosesChannel(t *testing.T) {
	fn := newFakeNotifier()
	pool := newTestPool()
	defer pool.Stop()

	o, err := NewOrchestrator(pool, NewChannel, withNotifier(fn))
	require.NoError(t, err)

	stream, cleanup := newLoopbackStream(t)
	defer cleanup()

	require.NoError(t, o.Add(stream, nil))

	o.onEvent(stream.Fd(), EventCompletion)

	o.mu.Lock()
	task := o.lookup[stream.Fd()]
	o.mu.Unlock()
	require.NotNil(t, task)
	assert.Equal(t, Closed, task.channel.Stage())
}

func TestOrchestratorOnEventUnknownFdIsIgnored(t *testing.T) {
	fn := newFakeNotifier()
	pool := newTestPool()
	defer pool.Stop()

	o, err := NewOrchestrator(pool, NewChannel, withNotifier(fn))
	require.NoError(t, err)

	assert.NotPanics(t, func() { o.onEvent(99999, EventReadable) })
}

func TestOrchestratorActivateRearmsNotifierOnWaitReadable(t *testing.T) {
	fn := newFakeNotifier()
	pool := newTestPool()
	defer pool.Stop()

	o, err := NewOrchestrator(pool, NewChannel, withNotifier(fn))
	require.NoError(t, err)

	stream, cleanup := newLoopbackStream(t)
	defer cleanup()

	ch := NewChannel(stream, ChannelConfig{})
	ch.stage.Store(WaitReadable)
	task := newTask(ch)

	o.activate(task)

	assert.Equal(t, EventCompletion|EventReadable, fn.registered[stream.Fd()])
	assert.False(t, task.inProcess.Load())
}

func TestOrchestratorActivateEnforcesInactivityTimeout(t *testing.T) {
	fn := newFakeNotifier()
	pool := newTestPool()
	defer pool.Stop()

	o, err := NewOrchestrator(pool, NewChannel, withNotifier(fn), WithInactivityTimeout(10*time.Millisecond))
	require.NoError(t, err)

	stream, cleanup := newLoopbackStream(t)
	defer cleanup()

	ch := NewChannel(stream, ChannelConfig{})
	ch.stage.Store(WaitReadable)
	task := newTask(ch)
	task.lastActive = time.Now().Add(-time.Hour)

	o.activate(task)

	assert.Equal(t, Closed, ch.Stage())
	assert.Contains(t, fn.unregd, stream.Fd())
}

func TestOrchestratorCollectGarbageRemovesClosedTasks(t *testing.T) {
	fn := newFakeNotifier()
	pool := newTestPool()
	defer pool.Stop()

	o, err := NewOrchestrator(pool, NewChannel, withNotifier(fn))
	require.NoError(t, err)

	openStream, cleanup1 := newLoopbackStream(t)
	defer cleanup1()
	closedStream, cleanup2 := newLoopbackStream(t)
	defer cleanup2()

	openCh := NewChannel(openStream, ChannelConfig{})
	closedCh := NewChannel(closedStream, ChannelConfig{})
	closedCh.stage.Store(Closed)

	openTask, closedTask := newTask(openCh), newTask(closedCh)

	o.tasks = []*Task{openTask, closedTask}
	o.lookup[openStream.Fd()] = openTask
	o.lookup[closedStream.Fd()] = closedTask

	o.collectGarbage()

	assert.Equal(t, []*Task{openTask}, o.tasks)
	_, stillThere := o.lookup[closedStream.Fd()]
	assert.False(t, stillThere)
}

func TestOrchestratorLatestAllowedWakeupBoundedByInactivity(t *testing.T) {
	fn := newFakeNotifier()
	pool := newTestPool()
	defer pool.Stop()

	o, err := NewOrchestrator(pool, NewChannel, withNotifier(fn), WithInactivityTimeout(time.Second))
	require.NoError(t, err)

	stream, cleanup := newLoopbackStream(t)
	defer cleanup()

	ch := NewChannel(stream, ChannelConfig{})
	o.tasks = []*Task{newTask(ch)}

	o.mu.Lock()
	o.lastSignal = time.Now()
	o.mu.Unlock()

	deadline := o.latestAllowedWakeup()
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)
}

func TestOrchestratorLatestAllowedWakeupHonoursEarlierChannelTimeout(t *testing.T) {
	fn := newFakeNotifier()
	pool := newTestPool()
	defer pool.Stop()

	o, err := NewOrchestrator(pool, NewChannel, withNotifier(fn), WithInactivityTimeout(time.Minute))
	require.NoError(t, err)

	stream, cleanup := newLoopbackStream(t)
	defer cleanup()

	ch := NewChannel(stream, ChannelConfig{})
	soon := time.Now().Add(20 * time.Millisecond)
	ch.requestedWakeup = soon
	o.tasks = []*Task{newTask(ch)}

	o.mu.Lock()
	o.lastSignal = time.Now()
	o.mu.Unlock()

	deadline := o.latestAllowedWakeup()
	assert.WithinDuration(t, soon, deadline, 5*time.Millisecond)
}

func TestOrchestratorStopIsIdempotentAndDrainsPool(t *testing.T) {
	fn := newFakeNotifier()
	pool := newTestPool()

	o, err := NewOrchestrator(pool, NewChannel, withNotifier(fn))
	require.NoError(t, err)

	o.Start()
	o.Stop()
	o.Stop() // idempotent

	assert.True(t, fn.stopped)
	assert.Equal(t, 0, pool.WorkerCount())
}
