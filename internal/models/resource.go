package models

import "time"

// Resource is an auxiliary payload (typically an image) referenced by a message.
type Resource struct {
	URL       string    `json:"url"`
	MessageID string    `json:"message_id"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	Data      []byte    `json:"-"`
	FetchedAt time.Time `json:"fetched_at"`
}
