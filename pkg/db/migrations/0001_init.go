package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Update struct {
	ID             int64             `gorm:"type:bigserial;primaryKey"`
	ArtifactStream string            `gorm:"type:text;not null;index"`
	State          int16             `gorm:"type:smallint;not null;default:0"`
	HasPatches     bool              `gorm:"type:boolean;not null;default:false"`
	Timestamp      int64             `gorm:"type:bigint;not null"`
	Version        string            `gorm:"type:text;not null;default:''"`
	Meta           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type AuthLog struct {
	ID            int64     `gorm:"type:bigserial;primaryKey"`
	EventType     string    `gorm:"type:text;not null"`
	Subject       string    `gorm:"type:text;not null;default:''"`
	SourceAddress string    `gorm:"type:text;not null;index"`
	CreatedAt     time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (AuthLog) TableName() string { return "auth_log" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Update{},
		&AuthLog{},
	); err != nil {
		return err
	}

	// Timestamps double as external version identifiers; they must be unique
	// per stream.
	if err := gormDB.WithContext(ctx).Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_updates_stream_timestamp
         ON updates (artifact_stream, timestamp)`,
	).Error; err != nil {
		return err
	}

	// At most one non-Finalized build per stream. The conditional insert in
	// the ledger relies on this partial index for its atomicity.
	return gormDB.WithContext(ctx).Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_updates_stream_in_flight
         ON updates (artifact_stream) WHERE state < 3`,
	).Error
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&AuthLog{},
		&Update{},
	)
}
