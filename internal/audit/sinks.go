package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fuomag9/oauth-vault/internal/models"
)

// GormSink stores records in the audit_logs table.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink creates a sink over db
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

func (g *GormSink) Name() string {
	return "database"
}

func (g *GormSink) Write(ctx context.Context, rec Record) error {
	row := models.AuditLog{
		ID:         uuid.NewString(),
		UserID:     rec.UserID,
		Action:     rec.Action,
		ResourceID: rec.ResourceID,
		Details:    rec.Details,
		CreatedAt:  rec.At.UTC(),
	}
	return g.db.WithContext(ctx).Create(&row).Error
}

// Purge deletes records older than before and returns how many were removed.
func (g *GormSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	result := g.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&models.AuditLog{})
	return result.RowsAffected, result.Error
}

// LogSink writes records to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink on logger
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.L()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (l *LogSink) Name() string {
	return "log"
}

func (l *LogSink) Write(ctx context.Context, rec Record) error {
	l.logger.Info(rec.Action,
		zap.String("user_id", rec.UserID),
		zap.String("resource_id", rec.ResourceID),
		zap.Any("details", rec.Details),
		zap.Time("at", rec.At))
	return nil
}

// WebhookSink posts each record as JSON to an external collector.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a sink posting to url with the given extra headers.
// client may be nil.
func NewWebhookSink(url string, headers map[string]string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{
		url:     url,
		headers: headers,
		client:  client,
	}
}

func (w *WebhookSink) Name() string {
	return "webhook"
}

func (w *WebhookSink) Write(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "oauth-vault/1.0")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
