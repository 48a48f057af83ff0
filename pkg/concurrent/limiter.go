package concurrent

type Limiter interface {
	// Add blocks until a working slot is free and takes it.
	Add()
	// Done releases a slot taken by Add.
	Done()
	// Go runs fn in its own goroutine once a slot is free.
	Go(fn func())
}

type limiter struct {
	working chan struct{}
}

// NewLimiter allows maxConcurrency holders at once; values below one allow one.
func NewLimiter(maxConcurrency int) Limiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &limiter{
		working: make(chan struct{}, maxConcurrency),
	}
}

func (in *limiter) Add() {
	in.working <- struct{}{}
}

func (in *limiter) Done() {
	<-in.working
}

// Go never blocks the caller; the goroutine waits for the slot.
func (in *limiter) Go(fn func()) {
	go func() {
		in.Add()
		defer in.Done()
		fn()
	}()
}
