package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// credentialRow is the SQLite row for one client ID.
type credentialRow struct {
	ClientID  string `gorm:"primaryKey"`
	Access    string
	Refresh   string
	UpdatedAt time.Time
}

func (credentialRow) TableName() string { return "credentials" }

// SQLStore persists credentials in a SQLite database through gorm.
type SQLStore struct {
	db       *gorm.DB
	clientID string
}

var _ Persister = (*SQLStore)(nil)

// OpenSQLStore opens (or creates) the database at path and migrates the
// credentials table.
func OpenSQLStore(path, clientID string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials database: %w", err)
	}
	return NewSQLStore(db, clientID)
}

// NewSQLStore wraps an open gorm handle.
func NewSQLStore(db *gorm.DB, clientID string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("credentials database not initialized")
	}
	if err := db.AutoMigrate(&credentialRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate credentials table: %w", err)
	}
	return &SQLStore{db: db, clientID: clientID}, nil
}

func (s *SQLStore) Load(ctx context.Context) (*Pair, error) {
	var row credentialRow
	err := s.db.WithContext(ctx).First(&row, "client_id = ?", s.clientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Pair{Access: row.Access, Refresh: row.Refresh}, nil
}

func (s *SQLStore) Save(ctx context.Context, pair Pair) error {
	row := credentialRow{
		ClientID:  s.clientID,
		Access:    pair.Access,
		Refresh:   pair.Refresh,
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access", "refresh", "updated_at"}),
	}).Create(&row).Error
}

func (s *SQLStore) Delete(ctx context.Context) error {
	return s.db.WithContext(ctx).Delete(&credentialRow{}, "client_id = ?", s.clientID).Error
}

// Close releases the underlying connection.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
