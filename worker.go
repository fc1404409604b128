package mxcrypto

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("coordinator is closed")

// worker is a serialized task loop. All state owned by a worker is only
// touched by tasks running on it, which removes the need for locks on that
// state.
type worker struct {
	name  string
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
}

func newWorker(name string) *worker {
	w := &worker{
		name:  name,
		tasks: make(chan func(), 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case task := <-w.tasks:
			w.invoke(task)
		case <-w.quit:
			// Drain what was queued before shutdown.
			for {
				select {
				case task := <-w.tasks:
					w.invoke(task)
				default:
					return
				}
			}
		}
	}
}

func (w *worker) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"worker": w.name,
				"panic":  r,
			}).Error("Recovered from panicking task")
		}
	}()
	task()
}

// Do queues a task for asynchronous execution. Returns false once the worker
// is stopped.
func (w *worker) Do(task func()) bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	select {
	case w.tasks <- task:
		return true
	case <-w.quit:
		return false
	}
}

// DoWait runs a task on the worker and blocks until it finishes.
func (w *worker) DoWait(task func()) error {
	finished := make(chan struct{})
	ok := w.Do(func() {
		defer close(finished)
		task()
	})
	if !ok {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-w.done:
		// The drain may have run the task just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// DoWaitErr runs an error-returning task on the worker and blocks until it
// finishes, returning the task's error.
func (w *worker) DoWaitErr(task func() error) error {
	var taskErr error
	if err := w.DoWait(func() { taskErr = task() }); err != nil {
		return err
	}
	return taskErr
}

// Close stops the loop after draining queued tasks and waits for it to exit.
func (w *worker) Close() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	<-w.done
}
