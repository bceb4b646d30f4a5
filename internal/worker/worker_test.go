package worker

import (
	"bytes"
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geovisio/internal/blur"
	"geovisio/internal/imagefs"
	"geovisio/internal/models"
)

type fakeClaim struct {
	pic      models.QueuedPicture
	metadata map[string]interface{}
	promoted []uuid.UUID

	statuses    []string
	started     bool
	finalized   bool
	markedErr   string
	recoverable bool
	closed      bool
}

func (c *fakeClaim) Picture() models.QueuedPicture      { return c.pic }
func (c *fakeClaim) Metadata() map[string]interface{}   { return c.metadata }
func (c *fakeClaim) StartProcess(context.Context) error { c.started = true; return nil }
func (c *fakeClaim) Close(context.Context)              { c.closed = true }

func (c *fakeClaim) Finalize(context.Context) ([]uuid.UUID, error) {
	c.finalized = true
	return c.promoted, nil
}

func (c *fakeClaim) SetStatus(_ context.Context, status string) error {
	c.statuses = append(c.statuses, status)
	return nil
}

func (c *fakeClaim) MarkError(_ context.Context, procErr string, recoverable bool) ([]uuid.UUID, error) {
	c.markedErr = procErr
	c.recoverable = recoverable
	if recoverable {
		return nil, nil
	}
	return c.promoted, nil
}

type fakeStore struct {
	claims []*fakeClaim
}

func (s *fakeStore) ClaimNextPicture(context.Context) (Claim, error) {
	if len(s.claims) == 0 {
		return nil, nil
	}
	c := s.claims[0]
	s.claims = s.claims[1:]
	return c, nil
}

func newFilesystems(t *testing.T) *imagefs.Filesystems {
	t.Helper()
	fses, err := imagefs.NewFilesystems(t.TempDir(), t.TempDir(), t.TempDir())
	require.NoError(t, err)
	return fses
}

func testJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(width, height, image.White.C), imaging.JPEG))
	return buf.Bytes()
}

func TestProcessNextQueueDrained(t *testing.T) {
	w := New(&fakeStore{}, newFilesystems(t), nil, nil, models.StrategyOnDemand)

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessPictureWithoutBlur(t *testing.T) {
	fses := newFilesystems(t)
	picID := uuid.New()
	require.NoError(t, fses.Permanent.Write(imagefs.HDPicturePath(picID), bytes.NewReader(testJPEG(t, 400, 200))))

	claim := &fakeClaim{
		pic:      models.QueuedPicture{ID: picID, Task: models.TaskPrepare},
		metadata: map[string]interface{}{"type": "flat"},
	}
	store := &fakeStore{claims: []*fakeClaim{claim}}
	w := New(store, fses, nil, nil, models.StrategyOnDemand)

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assert.True(t, claim.started)
	assert.Equal(t, []string{models.StatusPreparingDerivates, models.StatusReady}, claim.statuses)
	assert.True(t, claim.finalized)
	assert.True(t, claim.closed)
	assert.Empty(t, claim.markedErr)

	folder := imagefs.PictureFolderPath(picID)
	assert.True(t, fses.Derivates.Exists(folder+"/thumb.jpg"))
	// ON_DEMAND strategy: no SD, no tiles at processing time
	assert.False(t, fses.Derivates.Exists(folder+"/sd.jpg"))
}

func TestProcessPicturePreprocessStrategy(t *testing.T) {
	fses := newFilesystems(t)
	picID := uuid.New()
	require.NoError(t, fses.Permanent.Write(imagefs.HDPicturePath(picID), bytes.NewReader(testJPEG(t, 2048, 1024))))

	claim := &fakeClaim{
		pic:      models.QueuedPicture{ID: picID, Task: models.TaskPrepare},
		metadata: map[string]interface{}{"type": "equirectangular"},
	}
	w := New(&fakeStore{claims: []*fakeClaim{claim}}, fses, nil, nil, models.StrategyPreprocess)

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	folder := imagefs.PictureFolderPath(picID)
	assert.True(t, fses.Derivates.Exists(folder+"/thumb.jpg"))
	assert.True(t, fses.Derivates.Exists(folder+"/sd.jpg"))
	assert.True(t, fses.Derivates.Exists(folder+"/tiles/0_0.jpg"))
}

func TestProcessPictureBlurFailureIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blur backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	fses := newFilesystems(t)
	picID := uuid.New()
	hdPath := imagefs.HDPicturePath(picID)
	require.NoError(t, fses.Tmp.Write(hdPath, bytes.NewReader(testJPEG(t, 100, 50))))

	claim := &fakeClaim{
		pic:      models.QueuedPicture{ID: picID, Task: models.TaskPrepare},
		metadata: map[string]interface{}{"type": "flat"},
	}
	store := &fakeStore{claims: []*fakeClaim{claim}}
	w := New(store, fses, blur.NewClient(srv.URL), nil, models.StrategyOnDemand)

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assert.Equal(t, []string{models.StatusPreparingBlur}, claim.statuses)
	assert.False(t, claim.finalized)
	assert.True(t, claim.recoverable)
	assert.Contains(t, claim.markedErr, "Blur API failure")

	// the unblurred original stays in the temporary store for the retry
	assert.True(t, fses.Tmp.Exists(hdPath))
	assert.False(t, fses.Permanent.Exists(hdPath))
}

func TestProcessPictureBlurSuccessMovesOriginal(t *testing.T) {
	blurred := testJPEG(t, 100, 50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(blurred)
	}))
	defer srv.Close()

	fses := newFilesystems(t)
	picID := uuid.New()
	hdPath := imagefs.HDPicturePath(picID)
	require.NoError(t, fses.Tmp.Write(hdPath, bytes.NewReader(testJPEG(t, 100, 50))))

	claim := &fakeClaim{
		pic:      models.QueuedPicture{ID: picID, Task: models.TaskPrepare},
		metadata: map[string]interface{}{"type": "flat"},
	}
	w := New(&fakeStore{claims: []*fakeClaim{claim}}, fses, blur.NewClient(srv.URL), nil, models.StrategyOnDemand)

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assert.Equal(t, []string{models.StatusPreparingBlur, models.StatusPreparingDerivates, models.StatusReady}, claim.statuses)
	assert.True(t, claim.finalized)

	// blurred version in permanent, unblurred original gone and pruned
	assert.True(t, fses.Permanent.Exists(hdPath))
	assert.False(t, fses.Tmp.Exists(hdPath))
	assert.True(t, fses.Tmp.IsEmptyDir("/"))
}

func TestProcessPictureMissingOriginalIsFatal(t *testing.T) {
	fses := newFilesystems(t)
	claim := &fakeClaim{
		pic:      models.QueuedPicture{ID: uuid.New(), Task: models.TaskPrepare},
		metadata: map[string]interface{}{"type": "flat"},
	}
	store := &fakeStore{claims: []*fakeClaim{claim}}
	w := New(store, fses, nil, nil, models.StrategyOnDemand)

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assert.False(t, claim.finalized)
	assert.False(t, claim.recoverable)
	assert.Contains(t, claim.markedErr, "opening original picture")
}

func TestDeleteTaskRemovesArtifacts(t *testing.T) {
	fses := newFilesystems(t)
	picID := uuid.New()
	folder := imagefs.PictureFolderPath(picID)

	require.NoError(t, fses.Permanent.Write(imagefs.HDPicturePath(picID), bytes.NewReader([]byte("hd"))))
	require.NoError(t, fses.Derivates.Write(folder+"/thumb.jpg", bytes.NewReader([]byte("t"))))

	claim := &fakeClaim{pic: models.QueuedPicture{ID: picID, Task: models.TaskDelete}}
	w := New(&fakeStore{claims: []*fakeClaim{claim}}, fses, nil, nil, models.StrategyOnDemand)

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assert.True(t, claim.finalized)
	assert.True(t, fses.Permanent.IsEmptyDir("/"))
	assert.True(t, fses.Derivates.IsEmptyDir("/"))
}

func TestStopInterruptsBeforeBlur(t *testing.T) {
	fses := newFilesystems(t)
	picID := uuid.New()
	require.NoError(t, fses.Tmp.Write(imagefs.HDPicturePath(picID), bytes.NewReader(testJPEG(t, 100, 50))))

	claim := &fakeClaim{
		pic:      models.QueuedPicture{ID: picID, Task: models.TaskPrepare},
		metadata: map[string]interface{}{"type": "flat"},
	}
	w := New(&fakeStore{claims: []*fakeClaim{claim}}, fses, blur.NewClient("http://127.0.0.1:1"), nil, models.StrategyOnDemand)
	w.Stop()

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assert.True(t, claim.recoverable)
	assert.Contains(t, claim.markedErr, "interrupted")
	assert.False(t, claim.finalized)
}
