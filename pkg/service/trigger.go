package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "0 6 * * *"

// Trigger fires the orchestrator on a cron schedule (UTC). Missed windows
// are not caught up and a tick that fires during a run is skipped.
type Trigger struct {
	cron   *cron.Cron
	orch   *Orchestrator
	logger Logger
	ctx    context.Context
}

func NewTrigger(schedule string, orch *Orchestrator, logger Logger) (*Trigger, error) {
	cl := cronLogger{logger}
	t := &Trigger{
		orch:   orch,
		logger: logger,
		ctx:    context.Background(),
	}
	t.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := t.cron.AddFunc(schedule, t.fire); err != nil {
		return nil, errors.Wrapf(err, "invalid schedule %q", schedule)
	}
	return t, nil
}

func (t *Trigger) fire() {
	run, err := t.orch.Run(t.ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		t.logger.Warnf("Skipping trigger: %v", err)
	case err != nil:
		t.logger.Errorf("Scheduled run %s failed: %v", run.ExecutionID, err)
	default:
		t.logger.Infof("Scheduled run %s completed", run.ExecutionID)
	}
}

// Next returns the next activation time after now.
func (t *Trigger) Next() time.Time {
	entries := t.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(time.Now().UTC())
}

// Run starts the schedule and blocks until ctx is done, then waits for an
// in-flight run to finish.
func (t *Trigger) Run(ctx context.Context) error {
	t.ctx = ctx
	t.cron.Start()
	t.logger.Infof("Scheduler started, next run at %s", t.Next().Format(time.RFC3339))
	<-ctx.Done()
	<-t.cron.Stop().Done()
	t.logger.Infof("Scheduler stopped")
	return nil
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	logger Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infof("cron: %s%s", msg, formatKV(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorf("cron: %s: %v%s", msg, err, formatKV(keysAndValues))
}

func formatKV(kv []interface{}) string {
	var s string
	for i := 0; i+1 < len(kv); i += 2 {
		s += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	return s
}
