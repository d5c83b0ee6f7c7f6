package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PeriodicTask runs a function on a fixed interval until stopped.
// A panic or slow call in one tick never ends the task.
type PeriodicTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartPeriodic starts fn in a background goroutine. The first call happens
// immediately; later calls happen every interval. The task ends when ctx is
// cancelled or Stop is called, and always within one interval of either.
func StartPeriodic(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) *PeriodicTask {
	ctx, cancel := context.WithCancel(ctx)
	t := &PeriodicTask{
		name:     name,
		interval: interval,
		fn:       fn,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go t.loop(ctx)
	return t
}

func (t *PeriodicTask) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *PeriodicTask) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("task", t.name).
				Str("panic", fmt.Sprint(r)).
				Msg("Periodic task cycle panicked")
		}
	}()
	t.fn(ctx)
}

// Stop signals the task and waits for the running cycle to return.
func (t *PeriodicTask) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed when the task has exited.
func (t *PeriodicTask) Done() <-chan struct{} {
	return t.done
}
