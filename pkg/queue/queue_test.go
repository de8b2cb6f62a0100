package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, nil)
}

func TestEnqueueDequeue(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	p := RecordingUploadPayload{StreamID: uuid.New(), EventID: uuid.New(), SpoolPath: "/tmp/x.ivf", Size: 42}
	require.NoError(t, q.EnqueueRecordingUpload(ctx, p))

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeRecordingUpload, job.Type)

	var got RecordingUploadPayload
	require.NoError(t, json.Unmarshal(job.Payload, &got))
	assert.Equal(t, p.StreamID, got.StreamID)
	assert.Equal(t, int64(42), got.Size)
}

func TestRetryMovesToDLQ(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	job := &Job{ID: "j1", Type: JobTypeRecordingUpload, Payload: json.RawMessage(`{}`)}

	for i := 0; i < MaxRetries-1; i++ {
		require.NoError(t, q.Retry(ctx, job, errors.New("s3 down")))
	}
	n, err := q.Len(ctx, QueueRecordings)
	require.NoError(t, err)
	assert.EqualValues(t, MaxRetries-1, n)

	require.NoError(t, q.Retry(ctx, job, errors.New("s3 down")))
	n, err = q.Len(ctx, QueueDLQ)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, "s3 down", job.LastError)
}
