// Package storage puts recording artifacts into object storage.
package storage

import (
	"context"
	"io"
	"path"
)

const (
	// FolderRecordings is the key prefix for recording objects.
	FolderRecordings = "recordings"
	// ContentTypeIVF is the MIME type of recorded artifacts.
	ContentTypeIVF = "video/x-ivf"
)

// ObjectStore is the object storage used by the recording pipeline and the replay endpoints.
type ObjectStore interface {
	// Upload stores body under key and returns the object's public URL. size may be -1 when unknown.
	Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	// DownloadURL returns a URL a client can fetch the object from.
	DownloadURL(ctx context.Context, key string) (string, error)
}

// RecordingFilename returns the artifact file name of a stream.
func RecordingFilename(streamID string) string {
	return streamID + ".ivf"
}

// RecordingKey returns the object key: recordings/{event_id}/{stream_id}.ivf.
func RecordingKey(eventID, streamID string) string {
	return path.Join(FolderRecordings, eventID, RecordingFilename(streamID))
}
