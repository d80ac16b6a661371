package logger

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

var errWriterClosed = errors.New("logger: writer closed")

// asyncWriter hands log lines to one goroutine that writes them to every
// sink. Sinks are flushed when the queue runs empty, not per line. A sink
// that fails is dropped and the others keep receiving lines.
type asyncWriter struct {
	queue    chan []byte
	flushReq chan chan error
	done     chan struct{}

	closeMu sync.RWMutex
	closed  bool

	mu    sync.Mutex
	sinks []*sink
}

type sink struct {
	w   *bufio.Writer
	err error
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	aw := &asyncWriter{
		queue:    make(chan []byte, 1024),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
	}
	for _, w := range writers {
		if w != nil {
			aw.sinks = append(aw.sinks, &sink{w: bufio.NewWriterSize(w, bufSize)})
		}
	}
	go aw.loop()
	return aw
}

func (w *asyncWriter) loop() {
	defer close(w.done)
	for {
		select {
		case p, ok := <-w.queue:
			if !ok {
				w.flush()
				return
			}
			w.write(p)
			if len(w.queue) == 0 {
				w.flush()
			}
		case ack := <-w.flushReq:
			open := w.drain()
			ack <- w.flush()
			if !open {
				return
			}
		}
	}
}

// drain writes whatever is queued. It reports false once the queue is closed.
func (w *asyncWriter) drain() bool {
	for {
		select {
		case p, ok := <-w.queue:
			if !ok {
				return false
			}
			w.write(p)
		default:
			return true
		}
	}
}

// Write queues a copy of p. It blocks while the queue is full and fails only
// once the writer is closed or every sink has failed.
func (w *asyncWriter) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := w.Err(); err != nil {
		return err
	}
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return errWriterClosed
	}
	w.queue <- append([]byte(nil), p...)
	return nil
}

// Flush waits until everything queued so far reached the sinks.
func (w *asyncWriter) Flush() error {
	w.closeMu.RLock()
	closed := w.closed
	w.closeMu.RUnlock()
	if closed {
		return w.Err()
	}
	ack := make(chan error, 1)
	select {
	case w.flushReq <- ack:
		return <-ack
	case <-w.done:
		return w.Err()
	}
}

// Close drains the queue and returns the sink errors seen.
func (w *asyncWriter) Close() error {
	w.closeMu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.closeMu.Unlock()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, s := range w.sinks {
		errs = append(errs, s.err)
	}
	return errors.Join(errs...)
}

// Err reports an error when no sink is left to write to.
func (w *asyncWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, s := range w.sinks {
		if s.err == nil {
			return nil
		}
		errs = append(errs, s.err)
	}
	return errors.Join(errs...)
}

func (w *asyncWriter) write(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.sinks {
		if s.err != nil {
			continue
		}
		if _, err := s.w.Write(p); err != nil {
			s.err = err
		}
	}
}

func (w *asyncWriter) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, s := range w.sinks {
		if s.err != nil {
			continue
		}
		if err := s.w.Flush(); err != nil {
			s.err = err
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
