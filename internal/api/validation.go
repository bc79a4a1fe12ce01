package api

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/roverlink/roverlink/internal/pkg/models"
)

const (
	maxCameraName  = 64
	maxAuthor      = 64
	maxCommentText = 4096
)

var nameRegex = regexp.MustCompile(`^[\p{L}\p{N} _.'()-]+$`)

// validateCameraName trims and checks an operator supplied camera label
func validateCameraName(req *models.RenameCameraRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if utf8.RuneCountInString(req.Name) > maxCameraName {
		return fmt.Errorf("name too long (max %d characters)", maxCameraName)
	}
	if !nameRegex.MatchString(req.Name) {
		return fmt.Errorf("name must contain only letters, digits, spaces and . _ ' ( ) -")
	}
	return nil
}

func validateComment(req *models.CommentRequest) error {
	req.Author = strings.TrimSpace(req.Author)
	if req.Author == "" {
		return fmt.Errorf("author is required")
	}
	if utf8.RuneCountInString(req.Author) > maxAuthor {
		return fmt.Errorf("author too long (max %d characters)", maxAuthor)
	}
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if utf8.RuneCountInString(req.Text) > maxCommentText {
		return fmt.Errorf("text too long (max %d characters)", maxCommentText)
	}
	return nil
}

// validateDrive rejects axes outside [-1,1]
func validateDrive(req *models.DriveRequest) error {
	axes := []struct {
		name  string
		value float64
	}{
		{"left", req.Left},
		{"right", req.Right},
		{"pan", req.Pan},
		{"tilt", req.Tilt},
	}
	for _, a := range axes {
		if math.IsNaN(a.value) || a.value < -1 || a.value > 1 {
			return fmt.Errorf("%s must be within [-1, 1]", a.name)
		}
	}
	return nil
}
