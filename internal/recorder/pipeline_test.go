package recorder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/memstore"
	"github.com/partycast/backend/pkg/queue"
)

type fakeObjects struct {
	mu      sync.Mutex
	err     error
	objects map[string][]byte
}

func (f *fakeObjects) Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = b
	return "https://objects.test/" + key, nil
}

func (f *fakeObjects) DownloadURL(ctx context.Context, key string) (string, error) {
	return "https://objects.test/" + key, nil
}

type fakeRetry struct {
	mu   sync.Mutex
	jobs []queue.RecordingUploadPayload
}

func (f *fakeRetry) EnqueueRecordingUpload(ctx context.Context, p queue.RecordingUploadPayload) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, p)
	f.mu.Unlock()
	return nil
}

func newPipeline(t *testing.T, objects *fakeObjects, retry *fakeRetry, cfg Config) (*Pipeline, *memstore.Store, *time.Time) {
	t.Helper()
	store := memstore.New()
	p := NewPipeline(objects, store, retry, cfg, nil)
	now := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })
	return p, store, &now
}

func TestFinishUploadsHeaderAndChunks(t *testing.T) {
	objects := &fakeObjects{}
	p, store, now := newPipeline(t, objects, nil, Config{})
	info := CaptureInfo{StreamID: uuid.New(), EventID: uuid.New(), Title: "set"}

	h, err := p.StartCapture(nil, info)
	require.NoError(t, err)
	h.OnChunk([]byte("frame-1"))
	h.OnChunk([]byte("frame-2"))
	*now = now.Add(90 * time.Second)

	rec, err := p.Finish(context.Background(), h)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "recordings/"+info.EventID.String()+"/"+info.StreamID.String()+".ivf", rec.StoragePath)
	require.NotNil(t, rec.DurationSeconds)
	assert.Equal(t, 90, *rec.DurationSeconds)

	body := objects.objects[rec.StoragePath]
	require.True(t, bytes.HasPrefix(body, []byte("DKIF")), "artifact starts with the IVF header")
	assert.True(t, bytes.HasSuffix(body, []byte("frame-1frame-2")))
	require.NotNil(t, rec.FileSize)
	assert.EqualValues(t, len(body), *rec.FileSize)

	list, err := store.ListRecordingsByEvent(context.Background(), info.EventID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	again, err := p.Finish(context.Background(), h)
	require.NoError(t, err)
	assert.Same(t, rec, again)
}

func TestFinishWithoutMediaCreatesNothing(t *testing.T) {
	objects := &fakeObjects{}
	p, store, _ := newPipeline(t, objects, nil, Config{})
	info := CaptureInfo{StreamID: uuid.New(), EventID: uuid.New()}
	h, err := p.StartCapture(nil, info)
	require.NoError(t, err)

	rec, err := p.Finish(context.Background(), h)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, objects.objects)
	list, _ := store.ListRecordingsByEvent(context.Background(), info.EventID)
	assert.Empty(t, list)
}

func TestUploadFailureSpoolsAndEnqueues(t *testing.T) {
	objects := &fakeObjects{err: errors.New("bucket unreachable")}
	retry := &fakeRetry{}
	spool := t.TempDir()
	p, _, _ := newPipeline(t, objects, retry, Config{SpoolDir: spool})
	info := CaptureInfo{StreamID: uuid.New(), EventID: uuid.New()}
	h, err := p.StartCapture(nil, info)
	require.NoError(t, err)
	h.OnChunk([]byte("frame"))

	rec, err := p.Finish(context.Background(), h)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, apperr.ErrUploadFailed)

	require.Len(t, retry.jobs, 1)
	job := retry.jobs[0]
	assert.Equal(t, info.StreamID, job.StreamID)
	b, err := os.ReadFile(job.SpoolPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(b, []byte("frame")))
	assert.EqualValues(t, len(b), job.Size)
}

func TestMaxBytesStopsAtFirstOverflow(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeObjects{}, nil, Config{MaxBytes: 8})
	h, err := p.StartCapture(nil, CaptureInfo{StreamID: uuid.New(), EventID: uuid.New()})
	require.NoError(t, err)
	h.OnChunk([]byte("12345"))
	h.OnChunk([]byte("6789"))
	h.OnChunk([]byte("abc"))
	n, size := h.Chunks()
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 5, size)
}

func vp8Keyframe(seq uint16, size int) *rtp.Packet {
	// descriptor with the start bit, then a payload whose first byte marks a keyframe
	payload := append([]byte{0x10}, make([]byte, size)...)
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, Marker: true, SequenceNumber: seq, Timestamp: uint32(seq) * 3000},
		Payload: payload,
	}
}

func TestMaxBytesKeepsArtifactWellFormed(t *testing.T) {
	objects := &fakeObjects{}
	p, _, _ := newPipeline(t, objects, nil, Config{MaxBytes: 100})
	h, err := p.StartCapture(nil, CaptureInfo{StreamID: uuid.New(), EventID: uuid.New()})
	require.NoError(t, err)

	for i, size := range []int{50, 500, 5} {
		h.WriteRTP(webrtc.RTPCodecTypeVideo, vp8Keyframe(uint16(i+1), size))
	}
	rec, err := p.Finish(context.Background(), h)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.Len(t, objects.objects, 1)
	var artifact []byte
	for _, b := range objects.objects {
		artifact = b
	}
	require.Greater(t, len(artifact), 32)
	assert.Equal(t, "DKIF", string(artifact[:4]))

	var frames []int
	rest := artifact[32:]
	for len(rest) > 0 {
		require.GreaterOrEqual(t, len(rest), 12)
		n := int(binary.LittleEndian.Uint32(rest[:4]))
		require.LessOrEqual(t, n, len(rest)-12, "frame %d is truncated", len(frames))
		frames = append(frames, n)
		rest = rest[12+n:]
	}
	assert.Equal(t, []int{50}, frames)
}

func TestVideoKeyframeBecomesChunks(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeObjects{}, nil, Config{})
	h, err := p.StartCapture(nil, CaptureInfo{StreamID: uuid.New(), EventID: uuid.New()})
	require.NoError(t, err)

	keyframe := &rtp.Packet{
		Header:  rtp.Header{Version: 2, Marker: true, SequenceNumber: 1, Timestamp: 3000},
		Payload: []byte{0x10, 0x00, 0x9d, 0x01, 0x2a},
	}
	h.WriteRTP(webrtc.RTPCodecTypeAudio, keyframe)
	n, _ := h.Chunks()
	assert.Zero(t, n, "audio is not recorded")

	h.WriteRTP(webrtc.RTPCodecTypeVideo, keyframe)
	n, _ = h.Chunks()
	assert.Positive(t, n)
}
