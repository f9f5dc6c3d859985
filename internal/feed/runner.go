// Package feed keeps a portal calendar current. A Runner polls the remote
// list on an interval and refreshes early when a push source reports a
// change.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hackgods/portal-scheduling/internal/calendar"
)

// Refresher is satisfied by scheduling.Orchestrator.
type Refresher interface {
	Refresh(ctx context.Context) (calendar.MergeResult, error)
}

// Source reports remote changes by calling signal. Run blocks until ctx is
// done and handles its own reconnects; a returned error stops the Runner.
type Source interface {
	Name() string
	Run(ctx context.Context, signal func()) error
}

type Runner struct {
	refresher Refresher
	sources   []Source
	poll      time.Duration
	limiter   *rate.Limiter
	log       zerolog.Logger
	onRefresh func(calendar.MergeResult, error)
}

type Option func(*Runner)

func WithSource(s Source) Option {
	return func(r *Runner) {
		r.sources = append(r.sources, s)
	}
}

// WithPushRate caps refreshes triggered by push sources. Signals over the
// limit are dropped; the next poll picks their changes up.
func WithPushRate(every time.Duration, burst int) Option {
	return func(r *Runner) {
		r.limiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

// OnRefresh is called after every refresh attempt.
func OnRefresh(fn func(calendar.MergeResult, error)) Option {
	return func(r *Runner) {
		r.onRefresh = fn
	}
}

func NewRunner(refresher Refresher, poll time.Duration, opts ...Option) *Runner {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	r := &Runner{
		refresher: refresher,
		poll:      poll,
		limiter:   rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run refreshes once, then keeps refreshing until ctx is done. A failed
// refresh is logged and leaves the calendar as it was.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	kick := make(chan struct{}, 1)
	signal := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}

	for _, s := range r.sources {
		g.Go(func() error {
			err := s.Run(ctx, signal)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Str("source", s.Name()).Msg("feed source stopped")
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		r.refresh(ctx, "start")

		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r.refresh(ctx, "poll")
			case <-kick:
				if !r.limiter.Allow() {
					r.log.Debug().Msg("push refresh throttled")
					continue
				}
				r.refresh(ctx, "push")
			}
		}
	})

	return g.Wait()
}

func (r *Runner) refresh(ctx context.Context, trigger string) {
	res, err := r.refresher.Refresh(ctx)
	if r.onRefresh != nil {
		r.onRefresh(res, err)
	}
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn().Err(err).Str("trigger", trigger).Msg("refresh failed")
		}
		return
	}
	if res.Added+res.Updated+res.Removed+len(res.Conflicts) > 0 {
		r.log.Debug().
			Str("trigger", trigger).
			Int("added", res.Added).
			Int("updated", res.Updated).
			Int("removed", res.Removed).
			Int("conflicts", len(res.Conflicts)).
			Msg("calendar refreshed")
	}
}
