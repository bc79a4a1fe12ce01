package models

import "time"

// CameraName is the operator-assigned label of a camera, keyed by camera id
type CameraName struct {
	CameraID  int32     `json:"camera_id" gorm:"primaryKey;autoIncrement:false"`
	Name      string    `json:"name" gorm:"type:varchar(64);not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment is a free-text operator note or chat line
type Comment struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Author    string    `json:"author" gorm:"type:varchar(64);index"`
	Text      string    `json:"text" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
