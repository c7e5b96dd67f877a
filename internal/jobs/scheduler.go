package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job names reported to the JobRecorder.
const (
	JobRotation       = "rotation_sweep"
	JobMigration      = "migration_sweep"
	JobAuditRetention = "audit_retention"
	JobNoncePurge     = "nonce_purge"
)

// JobRecorder counts job runs.
type JobRecorder interface {
	IncJob(job string, err error)
}

// AuditPurger deletes audit records older than a cutoff.
type AuditPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// NoncePurger deletes consumed state nonces past their expiry.
type NoncePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Schedules configures when each job runs. Empty schedules disable the job.
type Schedules struct {
	Rotation           string
	Migration          string
	Retention          string
	AuditRetentionDays int
}

// Scheduler manages background jobs
type Scheduler struct {
	cron     *cron.Cron
	logger   *zap.Logger
	recorder JobRecorder
	timeout  time.Duration

	rotation  *RotationSweep
	migration *MigrationSweep
	audit     AuditPurger
	nonces    NoncePurger
	schedules Schedules
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRotation enables the rotation sweep.
func WithRotation(s *RotationSweep) Option {
	return func(sc *Scheduler) { sc.rotation = s }
}

// WithMigration enables the legacy migration sweep.
func WithMigration(s *MigrationSweep) Option {
	return func(sc *Scheduler) { sc.migration = s }
}

// WithAuditRetention enables deletion of old audit records.
func WithAuditRetention(p AuditPurger) Option {
	return func(sc *Scheduler) { sc.audit = p }
}

// WithNoncePurge enables deletion of expired state nonces.
func WithNoncePurge(p NoncePurger) Option {
	return func(sc *Scheduler) { sc.nonces = p }
}

// WithJobRecorder reports job outcomes to r.
func WithJobRecorder(r JobRecorder) Option {
	return func(sc *Scheduler) { sc.recorder = r }
}

// NewScheduler creates a new job scheduler
func NewScheduler(schedules Schedules, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("jobs")
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		logger:    logger,
		timeout:   10 * time.Minute,
		schedules: schedules,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the enabled jobs and starts the scheduler
func (s *Scheduler) Start() error {
	if s.rotation != nil && s.schedules.Rotation != "" {
		if err := s.add(s.schedules.Rotation, JobRotation, func(ctx context.Context) error {
			_, err := s.rotation.Run(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	if s.migration != nil && s.schedules.Migration != "" {
		if err := s.add(s.schedules.Migration, JobMigration, func(ctx context.Context) error {
			_, err := s.migration.Run(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	if s.schedules.Retention != "" {
		if s.audit != nil {
			if err := s.add(s.schedules.Retention, JobAuditRetention, s.cleanupOldAuditLogs); err != nil {
				return err
			}
		}
		if s.nonces != nil {
			if err := s.add(s.schedules.Retention, JobNoncePurge, func(ctx context.Context) error {
				_, err := s.nonces.PurgeExpired(ctx)
				return err
			}); err != nil {
				return err
			}
		}
	}

	s.cron.Start()
	s.logger.Info("job scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("job scheduler stop timed out")
	}
	s.logger.Info("job scheduler stopped")
}

func (s *Scheduler) add(spec, name string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return err
	}
	s.logger.Info("job registered", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if s.recorder != nil {
		s.recorder.IncJob(name, err)
	}
	if err != nil {
		s.logger.Error("job failed", zap.String("job", name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	s.logger.Debug("job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
}

// cleanupOldAuditLogs removes audit records past the retention period
func (s *Scheduler) cleanupOldAuditLogs(ctx context.Context) error {
	days := s.schedules.AuditRetentionDays
	if days <= 0 {
		days = 180
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	n, err := s.audit.Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	s.logger.Info("cleaned up old audit logs", zap.Int64("count", n), zap.Time("before", cutoff))
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
