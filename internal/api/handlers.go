package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/roverlink/roverlink/internal/appstate"
	"github.com/roverlink/roverlink/internal/console"
	"github.com/roverlink/roverlink/internal/gps"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/pkg/models"
	"github.com/roverlink/roverlink/internal/rover"
	"github.com/roverlink/roverlink/internal/storage"
)

const (
	defaultCommentLimit = 50
	maxCommentLimit     = 500
)

// Health check endpoint
func (s *Server) handleHealth(c *fiber.Ctx) error {
	role := "rover"
	if s.console != nil {
		role = s.console.Mode()
	}
	return SuccessResp(c, fiber.Map{
		"status": "ok",
		"role":   role,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRoverStats(c *fiber.Ctx) error {
	var snap rover.Snapshot
	if err := s.do(c, func() { snap = s.rover.Snapshot() }); err != nil {
		return err
	}
	return SuccessResp(c, snap)
}

// Current replicated state
func (s *Server) handleState(c *fiber.Ctx) error {
	var v appstate.View
	if err := s.do(c, func() { v = s.console.State().View() }); err != nil {
		return err
	}
	return SuccessResp(c, v)
}

// GPS history, oldest first. ?limit keeps only the newest fixes.
func (s *Server) handleGPS(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return ErrorBadRequestResp(c, "limit must not be negative")
	}

	var (
		fixes []gps.Fix
		stale bool
	)
	err := s.do(c, func() {
		history := s.console.State().GPS
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
		fixes = append(make([]gps.Fix, 0, len(history)), history...)
		stale = s.console.GPSStale()
	})
	if err != nil {
		return err
	}
	return SuccessResp(c, fiber.Map{
		"fixes": fixes,
		"stale": stale,
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	var st console.Stats
	if err := s.do(c, func() { st = s.console.Stats() }); err != nil {
		return err
	}
	return SuccessResp(c, fiber.Map{
		"console":     st,
		"subscribers": s.hub.Count(),
	})
}

type formatEntry struct {
	Preset     int          `json:"preset"`
	Label      string       `json:"label"`
	Serialized string       `json:"serialized"`
	Format     media.Format `json:"format"`
}

// Selectable video presets and the default audio format
func (s *Server) handleFormats(c *fiber.Ctx) error {
	presets := media.VideoPresets()
	video := make([]formatEntry, 0, len(presets))
	for i, f := range presets {
		video = append(video, formatEntry{Preset: i, Label: f.String(), Serialized: f.Serialize(), Format: f})
	}
	audio := media.DefaultAudio()
	return SuccessResp(c, fiber.Map{
		"video": video,
		"audio": formatEntry{Preset: 0, Label: audio.String(), Serialized: audio.Serialize(), Format: audio},
	})
}

func (s *Server) handleSelectFormat(c *fiber.Ctx) error {
	id, err := cameraID(c)
	if err != nil {
		return ErrorBadRequestResp(c, err.Error())
	}

	var req models.SelectFormatRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorBadRequestResp(c, "Invalid request body")
	}

	var f media.Format
	switch {
	case req.Preset != nil:
		presets := media.VideoPresets()
		if *req.Preset < 0 || *req.Preset >= len(presets) {
			return ErrorBadRequestResp(c, "preset out of range")
		}
		f = presets[*req.Preset]
	case req.Format != "":
		f, err = media.Parse(req.Format)
		if err != nil {
			return ErrorBadRequestResp(c, err.Error())
		}
	default:
		return ErrorBadRequestResp(c, "preset or format is required")
	}

	if err := s.intent(c, func() error { return s.console.SelectFormat(id, f) }); err != nil {
		return err
	}
	return SuccessResp(c, fiber.Map{"camera_id": id, "format": f.Serialize(), "label": f.String()})
}

// Starts a camera in its last format, or the best preset, or stops it
func (s *Server) handleCameraStream(c *fiber.Ctx) error {
	id, err := cameraID(c)
	if err != nil {
		return ErrorBadRequestResp(c, err.Error())
	}

	var req models.StreamRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorBadRequestResp(c, "Invalid request body")
	}

	err = s.intent(c, func() error {
		if !req.Active {
			return s.console.StopCamera(id)
		}
		f := s.console.State().Cameras[id].Format
		if !f.IsUsable() {
			f = media.VideoPresets()[0]
		}
		return s.console.SelectFormat(id, f)
	})
	if err != nil {
		return err
	}
	return SuccessResp(c, fiber.Map{"camera_id": id, "active": req.Active})
}

func (s *Server) handleRenameCamera(c *fiber.Ctx) error {
	id, err := cameraID(c)
	if err != nil {
		return ErrorBadRequestResp(c, err.Error())
	}

	var req models.RenameCameraRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorBadRequestResp(c, "Invalid request body")
	}
	if err := validateCameraName(&req); err != nil {
		return ErrorBadRequestResp(c, err.Error())
	}

	if err := s.intent(c, func() error { return s.console.RenameCamera(id, req.Name) }); err != nil {
		return err
	}
	return SuccessResp(c, fiber.Map{"camera_id": id, "name": req.Name})
}

func (s *Server) handleStartAudio(c *fiber.Ctx) error {
	var req models.AudioRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return ErrorBadRequestResp(c, "Invalid request body")
		}
	}

	f := media.NullAudio()
	if req.Format != "" {
		var err error
		if f, err = media.Parse(req.Format); err != nil {
			return ErrorBadRequestResp(c, err.Error())
		}
	}
	if !f.IsUsable() {
		f = media.DefaultAudio()
	}

	if err := s.intent(c, func() error { return s.console.StartAudio(f) }); err != nil {
		return err
	}
	return SuccessResp(c, fiber.Map{"format": f.Serialize(), "label": f.String()})
}

func (s *Server) handleStopAudio(c *fiber.Ctx) error {
	if err := s.intent(c, s.console.StopAudio); err != nil {
		return err
	}
	return SuccessResp(c, fiber.Map{"message": "Audio stop requested"})
}

// Persisted comments, newest first
func (s *Server) handleListComments(c *fiber.Ctx) error {
	if s.storage == nil {
		return ErrorNoStorageResp(c)
	}
	limit := c.QueryInt("limit", defaultCommentLimit)
	if limit <= 0 || limit > maxCommentLimit {
		return ErrorBadRequestResp(c, "limit must be between 1 and 500")
	}

	var (
		comments []*models.Comment
		err      error
	)
	if derr := s.do(c, func() { comments, err = s.storage.ListComments(limit) }); derr != nil {
		return derr
	}
	if err != nil {
		s.logger.Error("Failed to list comments", "error", err)
		return ErrorInternalServerErrorResp(c, "Failed to list comments")
	}
	if comments == nil {
		comments = []*models.Comment{}
	}
	now := time.Now().UTC()
	return SuccessResp(c, comments, ApiResponseMeta{
		Timestamp: &now,
		Window:    &Window{Limit: limit, Returned: len(comments)},
	})
}

// Sends a chat line to every console; each one with storage persists it
func (s *Server) handleAddComment(c *fiber.Ctx) error {
	var req models.CommentRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorBadRequestResp(c, "Invalid request body")
	}
	if err := validateComment(&req); err != nil {
		return ErrorBadRequestResp(c, err.Error())
	}

	if err := s.intent(c, func() error { return s.console.Chat(req.Author, req.Text) }); err != nil {
		return err
	}
	return AcceptedResp(c, fiber.Map{"author": req.Author, "text": req.Text})
}

func (s *Server) handleDeleteComment(c *fiber.Ctx) error {
	if s.storage == nil {
		return ErrorNoStorageResp(c)
	}
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return ErrorBadRequestResp(c, "Invalid comment id")
	}

	if derr := s.do(c, func() { err = s.storage.DeleteComment(uint(id)) }); derr != nil {
		return derr
	}
	if storage.IsNotFound(err) {
		return ErrorNotFoundResp(c, "Comment not found")
	}
	if err != nil {
		s.logger.Error("Failed to delete comment", "id", id, "error", err)
		return ErrorInternalServerErrorResp(c, "Failed to delete comment")
	}
	return SuccessResp(c, fiber.Map{"message": "Comment deleted successfully"})
}

// Reopens the rover (or broker) channel after a fault
func (s *Server) handleReconnect(c *fiber.Ctx) error {
	if err := s.intent(c, s.console.ReconnectRover); err != nil {
		return err
	}
	return SuccessResp(c, fiber.Map{"message": "Reconnect requested"})
}

func (s *Server) handleDrive(c *fiber.Ctx) error {
	var req models.DriveRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorBadRequestResp(c, "Invalid request body")
	}
	if err := validateDrive(&req); err != nil {
		return ErrorBadRequestResp(c, err.Error())
	}

	if err := s.intent(c, func() error { return s.console.Drive(req.Left, req.Right, req.Pan, req.Tilt) }); err != nil {
		return err
	}
	return SuccessResp(c, req)
}

// UI clients attached to the event stream
func (s *Server) handleSubscribers(c *fiber.Ctx) error {
	return SuccessResp(c, s.registry.All())
}

// intent runs a console operation on the loop and maps its error to a response
func (s *Server) intent(c *fiber.Ctx, fn func() error) error {
	var err error
	if derr := s.do(c, func() { err = fn() }); derr != nil {
		return derr
	}
	if err != nil {
		return faultFor(err)
	}
	return nil
}

// snapshotEnvelope hands the current state to join on the loop, where every event is
// published
func (s *Server) snapshotEnvelope(ctx context.Context, join func(Envelope)) error {
	return s.loop.Do(ctx, func() {
		var v appstate.View
		if s.console != nil {
			v = s.console.State().View()
		}
		join(Envelope{Type: EnvelopeSnapshot, Time: time.Now(), Data: v})
	})
}

func cameraID(c *fiber.Ctx) (int32, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 32)
	if err != nil || id < 0 {
		return 0, errors.New("invalid camera id")
	}
	return int32(id), nil
}
