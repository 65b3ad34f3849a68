package pool

// Future is the completion handle of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Get blocks until the task completes.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}
