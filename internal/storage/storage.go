package storage

import (
	"errors"

	"github.com/roverlink/roverlink/internal/pkg/models"
)

var ErrNotFound = errors.New("record not found")

// Storage persists console data that must survive restarts
type Storage interface {
	// Initialize the storage (create tables, run migrations)
	Init() error

	// Close the storage connection
	Close() error

	// Camera labels
	SaveCameraName(cameraID int32, name string) error
	CameraNames() (map[int32]string, error)

	// Operator comments, newest first
	AddComment(c *models.Comment) error
	ListComments(limit int) ([]*models.Comment, error)
	DeleteComment(id uint) error
}
