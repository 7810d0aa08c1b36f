package maintenance

import (
	"context"
	"time"
)

// Sweeper runs the cleaner on a fixed interval until its context is cancelled.
// It never runs on a request goroutine.
type Sweeper struct {
	cleaner  *Cleaner
	interval time.Duration
}

func NewSweeper(cleaner *Cleaner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{cleaner: cleaner, interval: interval}
}

// Start launches the loop in its own goroutine and returns a channel that is
// closed once the loop has exited.
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged and reported by the cleaner; the next tick retries.
			_, _ = s.cleaner.Run(ctx)
		}
	}
}
