package extractor

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/keydive/pkg/capture"
	"github.com/blacktop/keydive/pkg/hook"
	"golang.org/x/sync/errgroup"
)

// KeyFunc receives captured keys. Returning an error ends the run.
type KeyFunc func(*capture.Key) error

// Run attaches to the target and feeds captured keys to onKey until ctx is
// cancelled or the process exits.
//
// Cancellation is a clean stop and returns nil. A process exit returns
// hook.ErrProcessExited; keys captured before it remain valid.
func (e *Extractor) Run(ctx context.Context, t *Target, onKey KeyFunc) error {
	sess, err := hook.Open(ctx, e.Instrumenter, t.PID, t.Plan, e.Config.Session)
	if err != nil {
		return err
	}
	if e.Resolver != nil {
		e.Resolver.Cache.Record(t.Plan, sess.Installed()...)
	}

	policy := t.Profile.Capture
	if e.Config.Window > 0 {
		policy.Window = e.Config.Window
	}
	pipe := capture.New(policy)
	defer pipe.Close()

	l := log.WithFields(log.Fields{"session": sess.ID(), "pid": sess.PID()})
	l.Info("Waiting for key exchange...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return sess.Close()
	})
	g.Go(func() error {
		defer cancel()
		return e.drain(gctx, sess, pipe, onKey)
	})
	err = g.Wait()

	st := pipe.Stats()
	l.WithFields(log.Fields{
		"events":     st.Events,
		"keys":       st.Keys,
		"duplicates": st.Duplicates,
		"timeouts":   st.Timeouts,
		"malformed":  st.Malformed,
	}).Info("Session finished")

	return err
}

const minSweepInterval = time.Millisecond

// drain is the single control loop: it alone touches the pipeline.
func (e *Extractor) drain(ctx context.Context, sess *hook.Session, pipe *capture.Pipeline, onKey KeyFunc) error {
	ticker := time.NewTicker(max(pipe.Window()/2, minSweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			pipe.Sweep(now)
		case ev, ok := <-sess.Events():
			if !ok {
				if err := sess.Err(); errors.Is(err, hook.ErrProcessExited) {
					return err
				}
				return nil
			}
			key, err := pipe.Consume(ev)
			if err != nil || key == nil {
				continue
			}
			if err := onKey(key); err != nil {
				return err
			}
		}
	}
}
