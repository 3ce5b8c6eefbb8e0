package localstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrWriterClosed = errors.New("localstore: writer closed")

// Writer is the single owner of local replica mutation. Every read-modify-write
// against the replica runs as a job on its goroutine, one at a time, in arrival order.
//
// A job must not call Do on the same Writer; it would wait on itself.
type Writer struct {
	jobs      chan writeJob
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type writeJob struct {
	ctx context.Context
	fn  func(ctx context.Context) error
	res chan error
}

func NewWriter() *Writer {
	w := &Writer{
		jobs: make(chan writeJob),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case j := <-w.jobs:
			j.res <- w.run(j)
		}
	}
}

func (w *Writer) run(j writeJob) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("localstore: write job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Do runs fn on the writer goroutine and returns its error. Once accepted, the job
// runs to completion; ctx is handed to fn for the store calls it makes.
func (w *Writer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	j := writeJob{ctx: ctx, fn: fn, res: make(chan error, 1)}
	select {
	case <-w.quit:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	case w.jobs <- j:
	}
	return <-j.res
}

// Close stops accepting jobs and waits for the running one to finish.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
}
