package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// AuditLog records a security-relevant action against a resource
type AuditLog struct {
	ID         string                 `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID     string                 `json:"user_id" gorm:"not null;index"`
	Action     string                 `json:"action" gorm:"not null;index"`
	ResourceID string                 `json:"resource_id" gorm:"index"`
	Details    map[string]interface{} `json:"details" gorm:"-"`
	DetailsRaw string                 `json:"-" gorm:"column:details;type:text"`
	CreatedAt  time.Time              `json:"created_at" gorm:"index"`
}

// TableName specifies the table name for AuditLog
func (AuditLog) TableName() string {
	return "audit_logs"
}

// BeforeSave marshals the Details map to JSON before saving (GORM hook)
func (a *AuditLog) BeforeSave(tx *gorm.DB) error {
	if a.Details != nil {
		detailsJSON, err := json.Marshal(a.Details)
		if err != nil {
			return err
		}
		a.DetailsRaw = string(detailsJSON)
	}
	return nil
}

// AfterFind unmarshals the Details JSON after loading (GORM hook)
func (a *AuditLog) AfterFind(tx *gorm.DB) error {
	if a.DetailsRaw != "" {
		return json.Unmarshal([]byte(a.DetailsRaw), &a.Details)
	}
	return nil
}
