package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
)

// cleanup closes the pool on the loop whatever the state of ctx, so no
// queued spawn launches afterwards. ctx bounds only the wait for live units
// to exit.
func (s *Supervisor) cleanup(ctx context.Context) error {
	var live []*slot
	err := s.do(context.Background(), func() {
		s.closed = true

		for _, req := range s.queue.takeAll() {
			s.withdraw(req, reasonFor(domain.ErrSupervisorClosed), domain.ErrSupervisorClosed)
		}

		for _, sl := range s.slots {
			sl.timer.Stop()
			if !sl.terminal {
				sl.terminal = true
				msg := "terminated by supervisor shutdown"
				if s.record(sl.id, domain.SessionFailed, domain.Failed(msg, time.Now(), sl.elapsed().Milliseconds(), sl.peakMB)) {
					s.counters.failed++
				}
			}
			sl.stopping = true
			live = append(live, sl)
		}
	})
	if err != nil {
		return errors.Join(err, s.store.Close())
	}

	if len(live) > 0 {
		s.logger.Printf("[supervisor] shutting down, terminating %d workers", len(live))
	}
	killErr := terminateAll(ctx, live)

	// Wait for the loop to see every exit so no slot outlives the store.
	idle := make(chan struct{})
	_ = s.do(ctx, func() {
		s.idleWaiters = append(s.idleWaiters, idle)
		s.notifyIdle()
	})
	select {
	case <-idle:
	case <-ctx.Done():
		killErr = errors.Join(killErr, ctx.Err())
	}

	close(s.stop)
	<-s.stopped
	s.hub.Close()

	if err := s.store.Close(); err != nil {
		return errors.Join(killErr, fmt.Errorf("closing session store: %w", err))
	}
	return killErr
}

// terminateAll kills every slot's unit concurrently and waits for each to exit
func terminateAll(ctx context.Context, slots []*slot) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sl := range slots {
		g.Go(func() error {
			sl.handle.Kill()
			select {
			case <-sl.handle.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("session %s: worker did not exit: %w", sl.id, ctx.Err())
			}
		})
	}
	return g.Wait()
}
