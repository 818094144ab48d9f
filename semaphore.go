package npurt

import (
	"context"

	"google.golang.org/grpc/codes"
)

// admissionSemaphore is the asynchronous-reservation semaphore gating
// outstanding infer_post calls per operator: acquiring it may park the
// caller until a prior reservation is released. Each reservation carries
// a slot index in [0, n): callers use it to pick a fixed pipeline-position
// resource (a preallocated output buffer) so two concurrent in-flight
// requests on the same operator never claim the same one.
type admissionSemaphore struct {
	slots chan int
}

func newAdmissionSemaphore(n int) *admissionSemaphore {
	if n <= 0 {
		n = 1
	}
	s := &admissionSemaphore{slots: make(chan int, n)}
	for i := 0; i < n; i++ {
		s.slots <- i
	}
	return s
}

// Acquire blocks until a slot is free or ctx is done, returning the
// claimed slot index.
func (s *admissionSemaphore) Acquire(ctx context.Context) (int, error) {
	select {
	case slot := <-s.slots:
		return slot, nil
	case <-ctx.Done():
		return 0, NewError("Acquire", codes.DeadlineExceeded, "admission semaphore wait: "+ctx.Err().Error())
	}
}

// Release returns slot to the pool.
func (s *admissionSemaphore) Release(slot int) {
	s.slots <- slot
}
