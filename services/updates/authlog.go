package updates

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// AuthEventFailedToken is the event kind recorded for upload-token mismatches.
const AuthEventFailedToken = "failed-token"

// AuthLog records authentication events and answers rolling failure counts.
// Entries are append-only; the lockout counter only ever grows from denials
// and ages out as the window slides past old rows.
type AuthLog interface {
	RecordFailure(ctx context.Context, eventType, subject, sourceAddr string) error
	CountFailures(ctx context.Context, sourceAddr string, since time.Time) (int64, error)
}

type authLogModel struct {
	ID            int64     `gorm:"type:bigserial;primaryKey"`
	EventType     string    `gorm:"type:text;not null"`
	Subject       string    `gorm:"type:text;not null;default:''"`
	SourceAddress string    `gorm:"type:text;not null;index"`
	CreatedAt     time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (authLogModel) TableName() string { return "auth_log" }

// GormAuthLog implements AuthLog on the auth_log table.
type GormAuthLog struct {
	orm *gorm.DB
}

// NewGormAuthLog wraps the provided gorm handle.
func NewGormAuthLog(orm *gorm.DB) (*GormAuthLog, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormAuthLog{orm: orm}, nil
}

// RecordFailure appends one failure entry. Successes are never recorded.
func (a *GormAuthLog) RecordFailure(ctx context.Context, eventType, subject, sourceAddr string) error {
	entry := authLogModel{
		EventType:     eventType,
		Subject:       subject,
		SourceAddress: sourceAddr,
	}
	return a.orm.WithContext(ctx).Create(&entry).Error
}

// CountFailures counts failure entries for sourceAddr recorded at or after
// since.
func (a *GormAuthLog) CountFailures(ctx context.Context, sourceAddr string, since time.Time) (int64, error) {
	var count int64
	err := a.orm.WithContext(ctx).
		Model(&authLogModel{}).
		Where("source_address = ? AND created_at >= ?", sourceAddr, since).
		Count(&count).Error
	return count, err
}
