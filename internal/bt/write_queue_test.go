package bt

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

type recordingWriter struct {
	mu      sync.Mutex
	writes  []WriteRequest
	release chan struct{}
	err     error
}

func (w *recordingWriter) write(req WriteRequest) error {
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, req)
	return w.err
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func TestWriteQueueDeliversInOrder(t *testing.T) {
	w := &recordingWriter{}
	q := newWriteQueue(testLogger(), 4, w.write, nil)
	q.start()
	defer q.stop()

	for i := byte(0); i < 3; i++ {
		require.NoError(t, q.enqueue(WriteRequest{CharUUID: "c", Data: []byte{i}}))
	}
	require.Eventually(t, func() bool { return w.count() == 3 }, time.Second, 5*time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, req := range w.writes {
		assert.Equal(t, []byte{byte(i)}, req.Data)
	}
}

func TestWriteQueueRefusesWhenFull(t *testing.T) {
	w := &recordingWriter{release: make(chan struct{})}
	q := newWriteQueue(testLogger(), 2, w.write, nil)
	q.start()

	// first request is taken by the writer and blocks there
	require.NoError(t, q.enqueue(WriteRequest{Data: []byte{0}}))
	require.Eventually(t, func() bool { return len(q.requests) == 0 }, time.Second, time.Millisecond)

	require.NoError(t, q.enqueue(WriteRequest{Data: []byte{1}}))
	assert.True(t, q.hasCapacity())
	require.NoError(t, q.enqueue(WriteRequest{Data: []byte{2}}))
	assert.False(t, q.hasCapacity())
	assert.ErrorIs(t, q.enqueue(WriteRequest{Data: []byte{3}}), ErrWriteQueueFull)

	close(w.release)
	require.Eventually(t, func() bool { return w.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, q.hasCapacity())
	q.stop()
}

func TestWriteQueueReportsErrors(t *testing.T) {
	w := &recordingWriter{err: errors.New("link lost")}
	failed := make(chan WriteRequest, 1)
	q := newWriteQueue(testLogger(), 4, w.write, func(req WriteRequest, err error) {
		assert.EqualError(t, err, "link lost")
		failed <- req
	})
	q.start()
	defer q.stop()

	require.NoError(t, q.enqueue(WriteRequest{CharUUID: "fec3"}))
	select {
	case req := <-failed:
		assert.Equal(t, "fec3", req.CharUUID)
	case <-time.After(time.Second):
		t.Fatal("write error was not reported")
	}
}

func TestWriteQueueStopped(t *testing.T) {
	w := &recordingWriter{}
	q := newWriteQueue(testLogger(), 4, w.write, nil)
	q.start()
	q.stop()
	q.stop()
	q.wg.Wait()

	assert.False(t, q.hasCapacity())
	assert.ErrorIs(t, q.enqueue(WriteRequest{}), ErrNotConnected)
}

func TestDeviceStateString(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Unknown", BTDeviceState(9).String())
}

func TestDeviceWithoutLinkRefusesWrites(t *testing.T) {
	addr, err := ParseAddress("AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Skip("platform addresses are not MACs")
	}
	d := newBtDeviceImpl(testLogger(), addr, time.Second, 4)

	assert.False(t, d.IsConnected())
	assert.False(t, d.CanWriteWithoutBlocking())
	assert.ErrorIs(t, d.QueueWrite("s", "c", []byte{1}, true), ErrNotConnected)
	_, err = d.DiscoverServiceUUIDs()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, d.IsRecentlyScanned())
}

func TestWriteQueueWaitIdle(t *testing.T) {
	w := &recordingWriter{release: make(chan struct{})}
	q := newWriteQueue(testLogger(), 4, w.write, nil)
	q.start()
	defer q.stop()

	assert.True(t, q.waitIdle(time.Millisecond))

	require.NoError(t, q.enqueue(WriteRequest{Data: []byte{1}}))
	require.NoError(t, q.enqueue(WriteRequest{Data: []byte{2}}))
	assert.False(t, q.waitIdle(20*time.Millisecond))

	close(w.release)
	assert.True(t, q.waitIdle(time.Second))
	assert.Equal(t, 2, w.count())
}
