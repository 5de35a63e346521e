// Package jobs runs the engine's periodic maintenance on cron schedules:
// closing bets whose staking window has ended and reconciling wallets
// against their ledgers.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/apperr"
)

// parser accepts an optional seconds field and descriptors like @every.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule reports whether spec is a schedule Add accepts.
func ParseSchedule(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Runner schedules jobs. A run that is still going when its next tick
// fires makes that tick a no-op.
type Runner struct {
	cron    *cron.Cron
	log     *zap.Logger
	baseCtx context.Context
}

// New creates a stopped runner. Jobs receive baseCtx, so cancelling it
// aborts in-flight work on shutdown.
func New(baseCtx context.Context, log *zap.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	cl := cronLogger{log.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		baseCtx: baseCtx,
	}
}

// Add schedules job under name.
func (r *Runner) Add(name, spec string, job Job) error {
	if _, err := r.cron.AddFunc(spec, r.wrap(name, job)); err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	r.log.Info("job scheduled", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

func (r *Runner) wrap(name string, job Job) func() {
	return func() {
		start := time.Now()
		err := job(r.baseCtx)
		fields := []zap.Field{zap.String("job", name), zap.Duration("took", time.Since(start))}
		if err != nil {
			r.log.Error("job failed", append(fields, zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))...)
			return
		}
		r.log.Debug("job finished", fields...)
	}
}

func (r *Runner) Start() {
	r.cron.Start()
	r.log.Info("cron started", zap.Int("jobs", len(r.cron.Entries())))
}

// Stop prevents new runs and waits for running jobs to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info("cron stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
