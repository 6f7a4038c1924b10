package media

import (
	"context"
	"fmt"
	"time"
)

// BlobStore keeps image payloads and hands out URLs to fetch them.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	URL(ctx context.Context, key string) (string, error)
}

// ImageKey lays images out by day and room, e.g.
// chat_images/2025/03/14/<room>/<name>.png. name must be unique per upload.
func ImageKey(roomID, name, ext string, at time.Time) string {
	return fmt.Sprintf("chat_images/%s/%s/%s.%s", at.UTC().Format("2006/01/02"), roomID, name, ext)
}
