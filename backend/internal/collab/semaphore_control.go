package collab

import (
	"context"
	"errors"
)

// SemaphoreControl caps concurrent access to a downstream resource (the
// Kafka producer). Acquire honours context cancellation so callers on a
// deadline fail fast instead of queueing.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release without matching acquire")
	}
}
