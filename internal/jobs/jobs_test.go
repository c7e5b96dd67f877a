package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/migration"
	"github.com/fuomag9/oauth-vault/internal/oauth"
	"github.com/fuomag9/oauth-vault/internal/secret"
)

type fakeCandidates struct {
	secrets []*secret.Secret
	before  time.Time
}

func (f *fakeCandidates) ListRotationCandidates(_ context.Context, before time.Time) ([]*secret.Secret, error) {
	f.before = before
	return f.secrets, nil
}

type fakeRotator struct {
	mu      sync.Mutex
	checks  map[string]oauth.RotationCheck
	errs    map[string]error
	rotated []string
}

func (f *fakeRotator) CheckRotationNeeded(_ context.Context, _, connectionID string) (oauth.RotationCheck, error) {
	return f.checks[connectionID], nil
}

func (f *fakeRotator) Rotate(_ context.Context, _, connectionID string, _ *oauth.ClientConfig) (oauth.RotationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[connectionID]; err != nil {
		return oauth.RotationResult{}, err
	}
	f.rotated = append(f.rotated, connectionID)
	return oauth.RotationResult{Success: true}, nil
}

func TestRotationSweep(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	candidates := &fakeCandidates{secrets: []*secret.Secret{
		{OwnerID: "u", ConnectionID: "due"},
		{OwnerID: "u", ConnectionID: "fine"},
		{OwnerID: "u", ConnectionID: "revoked"},
		{OwnerID: "u", ConnectionID: "down"},
		{OwnerID: "u"},
	}}
	rotator := &fakeRotator{
		checks: map[string]oauth.RotationCheck{
			"due":     {NeedsRotation: true, Reason: "expires in 3 hours"},
			"fine":    {Reason: oauth.ReasonNoRotation},
			"revoked": {NeedsRotation: true, Reason: oauth.ReasonExpired},
			"down":    {NeedsRotation: true, Reason: oauth.ReasonScheduled},
		},
		errs: map[string]error{
			"revoked": &oauth.Error{Code: oauth.CodeTokenRefreshFailed, ProviderCode: "invalid_grant"},
			"down":    &oauth.Error{Code: oauth.CodeProviderUnavailable},
		},
	}

	sweep := NewRotationSweep(candidates, rotator, 0, zap.NewNop())
	sweep.now = func() time.Time { return now }

	res, err := sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 4, Processed: 1, Skipped: 2, Failed: 2}, res)
	assert.Equal(t, []string{"due"}, rotator.rotated)
	assert.Equal(t, now.Add(24*time.Hour), candidates.before)
}

func TestRotationSweep_Limit(t *testing.T) {
	candidates := &fakeCandidates{secrets: []*secret.Secret{
		{OwnerID: "u", ConnectionID: "a"},
		{OwnerID: "u", ConnectionID: "b"},
		{OwnerID: "u", ConnectionID: "c"},
	}}
	rotator := &fakeRotator{checks: map[string]oauth.RotationCheck{
		"a": {NeedsRotation: true}, "b": {NeedsRotation: true}, "c": {NeedsRotation: true},
	}}

	res, err := NewRotationSweep(candidates, rotator, 2, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []string{"a", "b"}, rotator.rotated)
}

type fakePending struct {
	creds []migration.Credential
	limit int
}

func (f *fakePending) Pending(_ context.Context, limit int) ([]migration.Credential, error) {
	f.limit = limit
	return f.creds, nil
}

type fakeMigrator struct {
	results map[string]oauth.MigrationResult
	errs    map[string]error
}

func (f *fakeMigrator) Migrate(_ context.Context, _, connectionID string) (oauth.MigrationResult, error) {
	return f.results[connectionID], f.errs[connectionID]
}

func TestMigrationSweep(t *testing.T) {
	pending := &fakePending{creds: []migration.Credential{
		{UserID: "u", ConnectionID: "new"},
		{UserID: "u", ConnectionID: "done"},
		{UserID: "u", ConnectionID: "broken"},
	}}
	migrator := &fakeMigrator{
		results: map[string]oauth.MigrationResult{
			"new":  {Migrated: true, Secrets: 2, Warnings: []string{"legacy credential could not be marked as migrated"}},
			"done": {AlreadyMigrated: true},
		},
		errs: map[string]error{"broken": errors.New("vault write failed")},
	}

	res, err := NewMigrationSweep(pending, migrator, 50, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 3, Processed: 1, Skipped: 1, Failed: 1}, res)
	assert.Equal(t, 50, pending.limit)
}

type fakePurger struct {
	before time.Time
	calls  int
}

func (f *fakePurger) Purge(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	f.calls++
	return 3, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs map[string]int
}

func (f *fakeRecorder) IncJob(job string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runs == nil {
		f.runs = map[string]int{}
	}
	f.runs[job]++
}

func TestScheduler_AuditRetention(t *testing.T) {
	purger := &fakePurger{}
	rec := &fakeRecorder{}
	s := NewScheduler(Schedules{AuditRetentionDays: 180}, zap.NewNop(), WithAuditRetention(purger), WithJobRecorder(rec))
	s.now = func() time.Time { return time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC) }

	s.run(JobAuditRetention, s.cleanupOldAuditLogs)

	assert.Equal(t, 1, purger.calls)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), purger.before)
	assert.Equal(t, 1, rec.runs[JobAuditRetention])
}

func TestScheduler_StartRegistersEnabledJobs(t *testing.T) {
	rotation := NewRotationSweep(&fakeCandidates{}, &fakeRotator{}, 0, zap.NewNop())
	s := NewScheduler(Schedules{
		Rotation:  "*/15 * * * *",
		Migration: "0 * * * *",
		Retention: "0 3 * * *",
	}, zap.NewNop(), WithRotation(rotation), WithAuditRetention(&fakePurger{}))

	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	// The migration sweep is not configured, the nonce purger is absent.
	assert.Len(t, s.cron.Entries(), 2)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	rotation := NewRotationSweep(&fakeCandidates{}, &fakeRotator{}, 0, zap.NewNop())
	s := NewScheduler(Schedules{Rotation: "every now and then"}, zap.NewNop(), WithRotation(rotation))
	assert.Error(t, s.Start())
}
