package sse

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var (
	// ErrNoFlusher indicates the ResponseWriter cannot stream.
	ErrNoFlusher = errors.New("response writer does not support flushing")

	// ErrQueueFull indicates the client fell too far behind and the
	// connection is being dropped rather than buffering without bound.
	ErrQueueFull = errors.New("sse write queue overflow")

	// ErrClosed indicates the writer was closed or the connection failed.
	ErrClosed = errors.New("sse writer closed")
)

// SetHeaders configures response headers for SSE streaming. Must be called
// before the first write.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Writer writes frames to one client connection through a bounded queue.
// A slow client surfaces as ErrQueueFull instead of stalling the caller or
// buffering unbounded; a dead client surfaces as ErrClosed. Either way the
// caller is expected to cancel the upstream call.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Frame
	max    int
	closed bool
	err    error
	done   chan struct{}
}

// NewWriter wraps w. queueSize bounds the number of frames buffered for a
// slow client before the connection is dropped.
func NewWriter(w http.ResponseWriter, queueSize int) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}
	sw := &Writer{
		w:       w,
		flusher: flusher,
		max:     queueSize,
		done:    make(chan struct{}),
	}
	sw.cond = sync.NewCond(&sw.mu)
	go sw.pump()
	return sw, nil
}

// Write enqueues one frame. It never blocks on the client: if the queue is
// full the writer shuts down and ErrQueueFull is returned.
func (sw *Writer) Write(f Frame) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		if sw.err != nil {
			return sw.err
		}
		return ErrClosed
	}
	if len(sw.queue) >= sw.max {
		sw.failLocked(ErrQueueFull)
		return ErrQueueFull
	}
	sw.queue = append(sw.queue, f)
	sw.cond.Signal()
	return nil
}

// Close flushes queued frames and stops the pump. Safe to call twice.
func (sw *Writer) Close() error {
	sw.mu.Lock()
	if !sw.closed {
		sw.closed = true
		sw.cond.Signal()
	}
	err := sw.err
	sw.mu.Unlock()

	<-sw.done
	return err
}

// Err returns the terminal write error, if any.
func (sw *Writer) Err() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.err
}

func (sw *Writer) failLocked(err error) {
	if sw.err == nil {
		sw.err = err
	}
	sw.closed = true
	sw.queue = nil
	sw.cond.Signal()
}

// pump drains the queue onto the wire, flushing after every frame so deltas
// reach the browser as they are produced.
func (sw *Writer) pump() {
	defer close(sw.done)

	for {
		sw.mu.Lock()
		for len(sw.queue) == 0 && !sw.closed {
			sw.cond.Wait()
		}
		if len(sw.queue) == 0 && sw.closed {
			sw.mu.Unlock()
			return
		}
		f := sw.queue[0]
		sw.queue = sw.queue[1:]
		sw.mu.Unlock()

		if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", f.Event, f.Data); err != nil {
			sw.mu.Lock()
			sw.failLocked(err)
			sw.mu.Unlock()
			return
		}
		sw.flusher.Flush()
	}
}
