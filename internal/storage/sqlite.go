package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/roverlink/roverlink/internal/pkg/models"
)

// SQLiteStorage implements the Storage interface using SQLite with GORM
type SQLiteStorage struct {
	db *gorm.DB
}

// NewSQLiteStorage opens (or creates) the database file. ":memory:" works for tests.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Init initializes the database schema
func (s *SQLiteStorage) Init() error {
	if err := s.db.AutoMigrate(&models.CameraName{}, &models.Comment{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

// SaveCameraName inserts or replaces a camera label
func (s *SQLiteStorage) SaveCameraName(cameraID int32, name string) error {
	row := models.CameraName{CameraID: cameraID, Name: name, UpdatedAt: time.Now()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "camera_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save camera name: %w", err)
	}
	return nil
}

// CameraNames returns every stored label by camera id
func (s *SQLiteStorage) CameraNames() (map[int32]string, error) {
	var rows []models.CameraName
	if err := s.db.Order("camera_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list camera names: %w", err)
	}
	names := make(map[int32]string, len(rows))
	for _, r := range rows {
		names[r.CameraID] = r.Name
	}
	return names, nil
}

// AddComment stores a comment and fills in its id
func (s *SQLiteStorage) AddComment(c *models.Comment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if err := s.db.Create(c).Error; err != nil {
		return fmt.Errorf("failed to add comment: %w", err)
	}
	return nil
}

// ListComments returns up to limit comments, newest first. limit <= 0 returns all.
func (s *SQLiteStorage) ListComments(limit int) ([]*models.Comment, error) {
	var comments []*models.Comment
	q := s.db.Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&comments).Error; err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}

// DeleteComment removes a comment by id
func (s *SQLiteStorage) DeleteComment(id uint) error {
	result := s.db.Delete(&models.Comment{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete comment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("comment %d: %w", id, ErrNotFound)
	}
	return nil
}

// IsNotFound reports whether err means a missing record
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
