package models

// SelectFormatRequest picks a camera format, either a preset index or an explicit
// serialized format
type SelectFormatRequest struct {
	Preset *int   `json:"preset,omitempty"`
	Format string `json:"format,omitempty"`
}

// StreamRequest starts or stops a camera stream
type StreamRequest struct {
	Active bool `json:"active"`
}

type RenameCameraRequest struct {
	Name string `json:"name"`
}

type CommentRequest struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// DriveRequest is one operator drive sample, axes in [-1,1]
type DriveRequest struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
	Pan   float64 `json:"pan"`
	Tilt  float64 `json:"tilt"`
}

// AudioRequest optionally overrides the default audio format
type AudioRequest struct {
	Format string `json:"format,omitempty"`
}
