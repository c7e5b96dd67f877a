package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/migration"
	"github.com/fuomag9/oauth-vault/internal/oauth"
	"github.com/fuomag9/oauth-vault/internal/secret"
)

// Rotator is the part of the lifecycle manager the rotation sweep drives.
type Rotator interface {
	CheckRotationNeeded(ctx context.Context, ownerID, connectionID string) (oauth.RotationCheck, error)
	Rotate(ctx context.Context, ownerID, connectionID string, cfg *oauth.ClientConfig) (oauth.RotationResult, error)
}

// CandidateLister lists secrets due for rotation.
type CandidateLister interface {
	ListRotationCandidates(ctx context.Context, before time.Time) ([]*secret.Secret, error)
}

// Migrator copies one legacy credential into the vault.
type Migrator interface {
	Migrate(ctx context.Context, ownerID, connectionID string) (oauth.MigrationResult, error)
}

// PendingLister lists legacy credentials awaiting migration.
type PendingLister interface {
	Pending(ctx context.Context, limit int) ([]migration.Credential, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked   int
	Processed int
	Skipped   int
	Failed    int
}

// RotationSweep rotates access tokens that expire or are scheduled to
// rotate within the lookahead window.
type RotationSweep struct {
	candidates CandidateLister
	rotator    Rotator
	lookahead  time.Duration
	limit      int
	now        func() time.Time
	logger     *zap.Logger
}

// NewRotationSweep creates a sweep. limit caps rotations per run.
func NewRotationSweep(candidates CandidateLister, rotator Rotator, limit int, logger *zap.Logger) *RotationSweep {
	if logger == nil {
		logger = zap.L()
	}
	return &RotationSweep{
		candidates: candidates,
		rotator:    rotator,
		lookahead:  24 * time.Hour,
		limit:      limit,
		now:        time.Now,
		logger:     logger.Named("jobs.rotation"),
	}
}

// Run executes one sweep. Individual failures are logged and counted.
func (s *RotationSweep) Run(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	list, err := s.candidates.ListRotationCandidates(ctx, s.now().Add(s.lookahead))
	if err != nil {
		return res, err
	}

	for _, sec := range list {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if s.limit > 0 && res.Processed+res.Failed >= s.limit {
			break
		}
		if sec.ConnectionID == "" {
			res.Skipped++
			continue
		}
		res.Checked++

		check, err := s.rotator.CheckRotationNeeded(ctx, sec.OwnerID, sec.ConnectionID)
		if err != nil {
			res.Failed++
			s.logger.Warn("rotation check failed",
				zap.String("owner_id", sec.OwnerID),
				zap.String("connection_id", sec.ConnectionID),
				zap.Error(err))
			continue
		}
		if !check.NeedsRotation {
			res.Skipped++
			continue
		}

		if _, err := s.rotator.Rotate(ctx, sec.OwnerID, sec.ConnectionID, nil); err != nil {
			res.Failed++
			fields := []zap.Field{
				zap.String("owner_id", sec.OwnerID),
				zap.String("connection_id", sec.ConnectionID),
				zap.String("reason", check.Reason),
				zap.String("error_code", string(oauth.CodeOf(err))),
			}
			var oe *oauth.Error
			if errors.As(err, &oe) && oe.NeedsReauth() {
				s.logger.Info("connection needs re-authentication", fields...)
			} else {
				s.logger.Warn("rotation failed", append(fields, zap.Error(err))...)
			}
			continue
		}
		res.Processed++
	}

	s.logger.Info("rotation sweep completed",
		zap.Int("candidates", len(list)),
		zap.Int("rotated", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

// MigrationSweep moves pending legacy credentials into the vault in batches.
type MigrationSweep struct {
	pending  PendingLister
	migrator Migrator
	batch    int
	logger   *zap.Logger
}

// NewMigrationSweep creates a sweep migrating up to batch rows per run.
func NewMigrationSweep(pending PendingLister, migrator Migrator, batch int, logger *zap.Logger) *MigrationSweep {
	if logger == nil {
		logger = zap.L()
	}
	if batch <= 0 {
		batch = 100
	}
	return &MigrationSweep{
		pending:  pending,
		migrator: migrator,
		batch:    batch,
		logger:   logger.Named("jobs.migration"),
	}
}

// Run executes one sweep.
func (s *MigrationSweep) Run(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	creds, err := s.pending.Pending(ctx, s.batch)
	if err != nil {
		return res, err
	}

	for _, cred := range creds {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		out, err := s.migrator.Migrate(ctx, cred.UserID, cred.ConnectionID)
		if err != nil {
			res.Failed++
			s.logger.Warn("legacy migration failed",
				zap.String("user_id", cred.UserID),
				zap.String("connection_id", cred.ConnectionID),
				zap.Error(err))
			continue
		}
		if out.Migrated {
			res.Processed++
		} else {
			res.Skipped++
		}
		for _, w := range out.Warnings {
			s.logger.Warn(w,
				zap.String("user_id", cred.UserID),
				zap.String("connection_id", cred.ConnectionID))
		}
	}

	if res.Checked > 0 {
		s.logger.Info("migration sweep completed",
			zap.Int("migrated", res.Processed),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}
