package bt

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
)

var (
	// ErrWriteQueueFull is returned by QueueWrite when every slot is taken.
	ErrWriteQueueFull = errors.New("write queue full")
	// ErrNotConnected is returned for operations that need a live link.
	ErrNotConnected = errors.New("device not connected")
)

// DefaultWriteQueueDepth is the number of writes a device accepts before
// QueueWrite starts refusing them.
const DefaultWriteQueueDepth = 4

// WriteRequest is one characteristic write waiting for the radio.
type WriteRequest struct {
	ServiceUUID  string
	CharUUID     string
	Data         []byte
	WithResponse bool
}

// WriteErrorHandler is called on the writer goroutine when a queued write fails.
type WriteErrorHandler func(req WriteRequest, err error)

// writeQueue drains writes for one connection on a dedicated goroutine so
// callers never block on the radio. It lives exactly as long as the link.
type writeQueue struct {
	logger   *log.Logger
	requests chan WriteRequest
	write    func(WriteRequest) error
	onError  func(WriteRequest, error)
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	// queued plus in flight
	pending atomic.Int64
}

func newWriteQueue(
	logger *log.Logger,
	depth int,
	write func(WriteRequest) error,
	onError func(WriteRequest, error),
) *writeQueue {
	if depth <= 0 {
		depth = DefaultWriteQueueDepth
	}
	return &writeQueue{
		logger:   logger,
		requests: make(chan WriteRequest, depth),
		write:    write,
		onError:  onError,
		quit:     make(chan struct{}),
	}
}

func (q *writeQueue) start() {
	go_func_utils.SafeGoWG(q.logger, &q.wg, q.run)
}

func (q *writeQueue) run() {
	for {
		select {
		case <-q.quit:
			return
		case req := <-q.requests:
			err := q.write(req)
			q.pending.Add(-1)
			if err != nil {
				q.logger.Printf("BTDevice: queued write to %s failed: %v", req.CharUUID, err)
				if q.onError != nil {
					q.onError(req, err)
				}
			}
		}
	}
}

func (q *writeQueue) enqueue(req WriteRequest) error {
	select {
	case <-q.quit:
		return ErrNotConnected
	default:
	}
	q.pending.Add(1)
	select {
	case q.requests <- req:
		return nil
	default:
		q.pending.Add(-1)
		return ErrWriteQueueFull
	}
}

// waitIdle blocks until every queued write has been attempted, the queue is
// stopped, or timeout passes. It reports whether the queue drained.
func (q *writeQueue) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for q.pending.Load() > 0 {
		select {
		case <-q.quit:
			return false
		default:
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

func (q *writeQueue) hasCapacity() bool {
	select {
	case <-q.quit:
		return false
	default:
	}
	return len(q.requests) < cap(q.requests)
}

// stop abandons pending writes. It does not wait for a write already on the
// radio, since the disconnect callback that calls it may share that thread.
func (q *writeQueue) stop() {
	q.stopOnce.Do(func() {
		close(q.quit)
	})
}
