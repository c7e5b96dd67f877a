package vault

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fuomag9/oauth-vault/internal/secret"
)

// MemoryStore is a process-local secret.Store. Values are still encrypted at
// rest so it behaves like the relational store.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]*secret.Secret
	cipher  Cipher
	now     func() time.Time
}

var _ secret.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory vault.
func NewMemoryStore(c Cipher) *MemoryStore {
	return &MemoryStore{
		secrets: make(map[string]*secret.Secret),
		cipher:  c,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func memoryKey(ownerID, name string) string {
	return ownerID + "\x00" + name
}

func (m *MemoryStore) StoreSecret(ctx context.Context, req secret.StoreRequest) (*secret.Secret, error) {
	out, err := m.StoreSecrets(ctx, []secret.StoreRequest{req})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// StoreSecrets stages every write before committing any of them.
func (m *MemoryStore) StoreSecrets(ctx context.Context, reqs []secret.StoreRequest) ([]*secret.Secret, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("vault: no secrets to store")
	}
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string]*secret.Secret, len(reqs))
	order := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := memoryKey(req.OwnerID, req.Name)
		prev, ok := staged[key]
		if !ok {
			prev = m.secrets[key]
		}
		next, err := m.apply(prev, req)
		if err != nil {
			return nil, err
		}
		if _, seen := staged[key]; !seen {
			order = append(order, key)
		}
		staged[key] = next
	}

	out := make([]*secret.Secret, 0, len(order))
	for _, key := range order {
		m.secrets[key] = staged[key]
		out = append(out, cloneSecret(staged[key]))
	}
	return out, nil
}

func (m *MemoryStore) apply(prev *secret.Secret, req secret.StoreRequest) (*secret.Secret, error) {
	ciphertext, err := m.cipher.Encrypt([]byte(req.Value.Value), AssociatedData(req.OwnerID, req.Name))
	if err != nil {
		return nil, err
	}
	now := m.now()

	if prev == nil {
		s := &secret.Secret{
			ID:              uuid.NewString(),
			OwnerID:         req.OwnerID,
			Name:            req.Name,
			Type:            req.Type,
			EncryptedValue:  ciphertext,
			Metadata:        copyMetadata(req.Value.Metadata),
			ExpiresAt:       utcPtr(req.ExpiresAt),
			Version:         1,
			RotationHistory: []secret.RotationEntry{},
			IsActive:        true,
			ConnectionID:    req.ConnectionID,
			ConnectionName:  req.ConnectionName,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if req.Rotation != nil {
			s.RotationEnabled = req.Rotation.Enabled
			s.RotationIntervalDays = req.Rotation.IntervalDays
			s.NextRotationAt = nextRotation(now, req.Rotation)
		}
		return s, nil
	}

	s := cloneSecret(prev)
	s.Type = req.Type
	s.EncryptedValue = ciphertext
	s.Metadata = copyMetadata(req.Value.Metadata)
	s.ExpiresAt = utcPtr(req.ExpiresAt)
	s.Version++
	s.IsActive = true
	s.UpdatedAt = now
	if req.Rotation != nil {
		s.RotationEnabled = req.Rotation.Enabled
		s.RotationIntervalDays = req.Rotation.IntervalDays
		switch {
		case !req.Rotation.Enabled:
			s.NextRotationAt = nil
		case s.NextRotationAt == nil:
			s.NextRotationAt = nextRotation(now, req.Rotation)
		}
	}
	if req.ConnectionID != "" {
		s.ConnectionID = req.ConnectionID
	}
	if req.ConnectionName != "" {
		s.ConnectionName = req.ConnectionName
	}
	return s, nil
}

func (m *MemoryStore) GetSecret(ctx context.Context, ownerID, name string) (*secret.Secret, error) {
	m.mu.RLock()
	s, ok := m.secrets[memoryKey(ownerID, name)]
	m.mu.RUnlock()
	if !ok || !s.IsActive {
		return nil, secret.ErrNotFound
	}

	plaintext, err := m.cipher.Decrypt(s.EncryptedValue, AssociatedData(ownerID, name))
	if err != nil {
		return nil, fmt.Errorf("vault: secret %s: %w", name, err)
	}
	out := cloneSecret(s)
	out.Value = secret.Value{Value: string(plaintext), Metadata: copyMetadata(s.Metadata)}
	return out, nil
}

func (m *MemoryStore) HasSecret(ctx context.Context, ownerID, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.secrets[memoryKey(ownerID, name)]
	return ok, nil
}

func (m *MemoryStore) LinkSecretToConnection(ctx context.Context, ownerID, name, connectionID, connectionName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[memoryKey(ownerID, name)]
	if !ok {
		return secret.ErrNotFound
	}
	s.ConnectionID = connectionID
	if connectionName != "" {
		s.ConnectionName = connectionName
	}
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) GetSecretsForConnection(ctx context.Context, ownerID, connectionID string) ([]*secret.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*secret.Secret
	for _, s := range m.secrets {
		if s.OwnerID == ownerID && s.ConnectionID == connectionID && s.IsActive {
			out = append(out, cloneSecret(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *MemoryStore) RecordRotation(ctx context.Context, ownerID, name string, entry secret.RotationEntry, nextRotationAt *time.Time) (*secret.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[memoryKey(ownerID, name)]
	if !ok || !s.IsActive {
		return nil, secret.ErrNotFound
	}
	entry.RotatedAt = entry.RotatedAt.UTC()
	s.RotationHistory = append(s.RotationHistory, entry)
	rotatedAt := entry.RotatedAt
	s.LastRotatedAt = &rotatedAt
	s.NextRotationAt = utcPtr(nextRotationAt)
	s.UpdatedAt = m.now()
	return cloneSecret(s), nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, ownerID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[memoryKey(ownerID, name)]
	if !ok {
		return secret.ErrNotFound
	}
	s.IsActive = false
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListRotationCandidates(ctx context.Context, before time.Time) ([]*secret.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*secret.Secret
	for _, s := range m.secrets {
		if s.Type != secret.TypeOAuth2AccessToken || !s.IsActive || !s.RotationEnabled {
			continue
		}
		due := (s.NextRotationAt != nil && !s.NextRotationAt.After(before)) ||
			(s.ExpiresAt != nil && !s.ExpiresAt.After(before))
		if due {
			out = append(out, cloneSecret(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out, nil
}

func cloneSecret(s *secret.Secret) *secret.Secret {
	c := *s
	c.EncryptedValue = append([]byte(nil), s.EncryptedValue...)
	c.Metadata = copyMetadata(s.Metadata)
	c.ExpiresAt = copyTime(s.ExpiresAt)
	c.LastRotatedAt = copyTime(s.LastRotatedAt)
	c.NextRotationAt = copyTime(s.NextRotationAt)
	c.RotationHistory = append([]secret.RotationEntry{}, s.RotationHistory...)
	c.Value = secret.Value{}
	return &c
}
