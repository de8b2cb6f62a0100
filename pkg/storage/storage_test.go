package storage

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingKey(t *testing.T) {
	assert.Equal(t, "recordings/ev/st.ivf", RecordingKey("ev", "st"))
}

func TestLocalUpload(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "http://localhost:8080/media")
	require.NoError(t, err)
	ctx := context.Background()

	u, err := l.Upload(ctx, RecordingKey("e", "s"), ContentTypeIVF, strings.NewReader("DKIF"), 4)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/media/recordings/e/s.ivf", u)

	p, err := l.Path(RecordingKey("e", "s"))
	require.NoError(t, err)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "DKIF", string(b))

	got, err := l.DownloadURL(ctx, RecordingKey("e", "s"))
	require.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = l.DownloadURL(ctx, "recordings/missing.ivf")
	assert.Error(t, err)
}

func TestLocalRejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "")
	require.NoError(t, err)
	_, err = l.Upload(context.Background(), "../escape", ContentTypeIVF, strings.NewReader("x"), 1)
	assert.Error(t, err)
}
