package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/quantumlife/knowledgebase/internal/core"
)

// Partition is one row of the partition catalog.
type Partition struct {
	Name  string    `gorm:"primaryKey;type:text"`
	CDate time.Time `gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
}

// ResourceRecord holds one record. Seq keeps insertion order across updates.
type ResourceRecord struct {
	Seq          int64     `gorm:"primaryKey;autoIncrement"`
	ResourceType string    `gorm:"type:text;not null;uniqueIndex:uniq_resource,priority:1;index:idx_type_seq,priority:1"`
	ResourceID   string    `gorm:"type:text;not null;uniqueIndex:uniq_resource,priority:2"`
	Partition    Partition `gorm:"foreignKey:ResourceType;references:Name;constraint:OnDelete:CASCADE;"`
	Data         string    `gorm:"type:jsonb;not null"`
	MDate        time.Time `gorm:"type:timestamp with time zone;not null;default:clock_timestamp()"`
}

// PostgresStore is the relational backend. Partitions need no schema change,
// so EnsureStoreExists is a plain insert.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects and migrates the catalog tables.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %w", core.ErrBackendUnavailable, err)
	}

	if err := db.AutoMigrate(&Partition{}, &ResourceRecord{}); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMigrationFailed, err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, resourceType, resourceID string) (*core.Record, error) {
	var row ResourceRecord
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, resourceID, err)
	}
	return decodeRecord([]byte(row.Data))
}

func (s *PostgresStore) Set(ctx context.Context, resourceType, resourceID string, record *core.Record) error {
	if err := validateKey(resourceType, resourceID); err != nil {
		return err
	}
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensurePartition(tx, resourceType); err != nil {
			return err
		}
		row := ResourceRecord{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Data:         string(data),
			MDate:        time.Now(),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resource_type"}, {Name: "resource_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "m_date"}),
		}).Omit("Partition").Create(&row).Error
		if err != nil {
			return fmt.Errorf("set %s/%s: %w", resourceType, resourceID, err)
		}
		return nil
	})
}

func (s *PostgresStore) GetAllOfType(ctx context.Context, resourceType string) ([]core.Entry, error) {
	var rows []ResourceRecord
	err := s.db.WithContext(ctx).
		Where("resource_type = ?", resourceType).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", resourceType, err)
	}

	entries := make([]core.Entry, 0, len(rows))
	for _, row := range rows {
		record, err := decodeRecord([]byte(row.Data))
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", resourceType, row.ResourceID, err)
		}
		entries = append(entries, core.Entry{ID: row.ResourceID, Record: record})
	}
	return entries, nil
}

func (s *PostgresStore) GetResourceTypes(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&Partition{}).Order("c_date, name").Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return visibleTypes(names), nil
}

func (s *PostgresStore) EnsureStoreExists(ctx context.Context, resourceType string) error {
	if resourceType == "" {
		return fmt.Errorf("%w: resource type", core.ErrMissingRequired)
	}
	return ensurePartition(s.db.WithContext(ctx), resourceType)
}

func ensurePartition(db *gorm.DB, resourceType string) error {
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&Partition{Name: resourceType}).Error
	if err != nil {
		return fmt.Errorf("%w: create partition %s: %w", core.ErrMigrationFailed, resourceType, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, resourceType, resourceID string) error {
	err := s.db.WithContext(context.WithoutCancel(ctx)).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Delete(&ResourceRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
