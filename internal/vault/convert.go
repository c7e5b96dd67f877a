package vault

import (
	"time"

	"github.com/fuomag9/oauth-vault/internal/models"
	"github.com/fuomag9/oauth-vault/internal/secret"
)

func toDomain(row *models.Secret) *secret.Secret {
	s := &secret.Secret{
		ID:                   row.ID,
		OwnerID:              row.OwnerID,
		Name:                 row.Name,
		Type:                 secret.Type(row.Type),
		EncryptedValue:       append([]byte(nil), row.EncryptedValue...),
		Metadata:             copyMetadata(row.Metadata),
		ExpiresAt:            copyTime(row.ExpiresAt),
		RotationEnabled:      row.RotationEnabled,
		RotationIntervalDays: row.RotationIntervalDays,
		LastRotatedAt:        copyTime(row.LastRotatedAt),
		NextRotationAt:       copyTime(row.NextRotationAt),
		Version:              row.Version,
		IsActive:             row.IsActive,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
	if row.ConnectionID != nil {
		s.ConnectionID = *row.ConnectionID
	}
	if row.ConnectionName != nil {
		s.ConnectionName = *row.ConnectionName
	}
	s.RotationHistory = make([]secret.RotationEntry, 0, len(row.Rotations))
	for _, r := range row.Rotations {
		s.RotationHistory = append(s.RotationHistory, secret.RotationEntry{
			RotatedAt:       r.RotatedAt,
			PreviousVersion: r.PreviousVersion,
			NewVersion:      r.NewVersion,
			Method:          r.Method,
		})
	}
	return s
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nextRotation(now time.Time, cfg *secret.RotationConfig) *time.Time {
	if cfg == nil || !cfg.Enabled || cfg.IntervalDays <= 0 {
		return nil
	}
	next := now.AddDate(0, 0, cfg.IntervalDays)
	return &next
}
