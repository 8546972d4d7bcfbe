package database

import "time"

// User is a registered account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Email        *string // nil when no email was given
	CreatedAt    time.Time
}

// Image is an uploaded image owned by a single user.
type Image struct {
	ID          int64
	Filename    string
	UserID      int64
	UploadTime  time.Time
	ShareToken  *string // nil until a share link is generated
	ContentType string
	SizeBytes   int64
}

// Shared reports whether a share token has been generated for the image.
func (i *Image) Shared() bool {
	return i.ShareToken != nil && *i.ShareToken != ""
}

// ImageSummary holds per-user aggregate figures for the dashboard.
type ImageSummary struct {
	Count      int64
	Shared     int64
	TotalBytes int64
}
