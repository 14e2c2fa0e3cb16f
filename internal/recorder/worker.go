package recorder

import "sync"

// worker runs tasks one at a time on a single goroutine. Its queue is
// unbounded so posting never blocks the caller.
type worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	closing bool
	done    chan struct{}
}

func newWorker() *worker {
	w := &worker{done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// post enqueues fn. It returns false once quit has been called.
func (w *worker) post(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return false
	}
	w.tasks = append(w.tasks, fn)
	w.cond.Signal()
	return true
}

// call runs fn on the worker and waits for it.
func (w *worker) call(fn func() error) error {
	result := make(chan error, 1)
	if !w.post(func() { result <- fn() }) {
		return errWorkerClosed
	}
	return <-result
}

// quit lets the already queued tasks run, then stops the goroutine and
// waits for it.
func (w *worker) quit() {
	w.mu.Lock()
	w.closing = true
	w.cond.Signal()
	w.mu.Unlock()
	<-w.done
}

func (w *worker) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.tasks) == 0 && !w.closing {
			w.cond.Wait()
		}
		if len(w.tasks) == 0 {
			w.mu.Unlock()
			return
		}
		fn := w.tasks[0]
		w.tasks[0] = nil
		w.tasks = w.tasks[1:]
		w.mu.Unlock()

		fn()
	}
}
