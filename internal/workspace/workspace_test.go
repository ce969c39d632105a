package workspace

import (
	"context"
	"sync"
	"testing"

	"image-compressor-go/internal/collection"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/export"
	"image-compressor-go/internal/ingest"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/raster/rastertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T, backend *rastertest.Backend) *Workspace {
	t.Helper()
	if backend == nil {
		backend = &rastertest.Backend{}
	}
	return New(config.DefaultConfig(), logger.Discard(), backend, nil)
}

func fakeJPEG(name string, w, h, size int) ingest.Source {
	return ingest.NewBytesSource(name, "image/jpeg", rastertest.Source(w, h, size))
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func TestIngestRejectsNonImagesWithoutAborting(t *testing.T) {
	w := newWorkspace(t, nil)

	report := w.Ingest(context.Background(), []ingest.Source{
		fakeJPEG("a.jpg", 100, 100, 1000),
		ingest.NewBytesSource("notes.txt", "text/plain", []byte("hello")),
		fakeJPEG("b.jpg", 100, 100, 2000),
	})

	require.Len(t, report.Accepted, 2)
	require.Len(t, report.Rejected, 1)
	var verr *ingest.ValidationError
	assert.ErrorAs(t, report.Rejected[0], &verr)
	assert.Equal(t, "notes.txt", verr.Name)

	items := w.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "a.jpg", items[0].SourceName)
	assert.Equal(t, "b.jpg", items[1].SourceName)
	assert.EqualValues(t, 1000, items[0].OriginalSizeBytes)
	assert.EqualValues(t, 2000, items[1].OriginalSizeBytes)
	for _, it := range items {
		assert.Equal(t, collection.StatusPending, it.Status)
		assert.Equal(t, config.DefaultQuality, it.Quality)
	}

	stats := w.Stats()
	assert.EqualValues(t, 3, stats.FilesFound)
	assert.EqualValues(t, 2, stats.FilesAccepted)
	assert.EqualValues(t, 1, stats.FilesRejected)
}

func TestScenarioThreeLargeImages(t *testing.T) {
	w := newWorkspace(t, nil)
	const fiveMB = 5 * 1024 * 1024
	w.Ingest(context.Background(), []ingest.Source{
		fakeJPEG("1.jpg", 4000, 3000, fiveMB),
		fakeJPEG("2.jpg", 4000, 3000, fiveMB),
		fakeJPEG("3.jpg", 4000, 3000, fiveMB),
	})

	res, err := w.CompressAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Done)

	for _, it := range w.Items() {
		require.Equal(t, collection.StatusDone, it.Status)
		assert.Equal(t, 2048, it.Artifact.Width)
		assert.Equal(t, 1536, it.Artifact.Height)
	}

	s := w.Summary()
	assert.Equal(t, 3, s.Done)
	assert.EqualValues(t, 3*fiveMB, s.OriginalBytes)
	assert.Less(t, s.CompressedBytes, int64(3*fiveMB))
	assert.Positive(t, s.SavingsPercent)
}

func TestPartialFailureSummaryReflectsDoneOnly(t *testing.T) {
	w := newWorkspace(t, nil)
	w.Ingest(context.Background(), []ingest.Source{
		fakeJPEG("ok1.jpg", 800, 600, 50000),
		ingest.NewBytesSource("corrupt.jpg", "image/jpeg", []byte("definitely not a jpeg")),
		fakeJPEG("ok2.jpg", 800, 600, 50000),
	})

	res, err := w.CompressAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Done)
	assert.Equal(t, 1, res.Failed)

	s := w.Summary()
	assert.Equal(t, 2, s.Done)
	assert.Equal(t, 1, s.Error)
	assert.EqualValues(t, 100000, s.OriginalBytes)

	var failed collection.ImageItem
	for _, it := range w.Items() {
		if it.SourceName == "corrupt.jpg" {
			failed = it
		}
	}
	assert.Equal(t, collection.StatusError, failed.Status)
	assert.NotEmpty(t, failed.LastError)
	assert.EqualValues(t, 1, w.Stats().FilesFailed)
}

func TestSetQualityOnlyTouchesPending(t *testing.T) {
	w := newWorkspace(t, nil)
	w.Ingest(context.Background(), []ingest.Source{fakeJPEG("done.jpg", 10, 10, 100)})
	doneID := w.Items()[0].ID
	_, err := w.Compress(context.Background(), doneID)
	require.NoError(t, err)

	w.Ingest(context.Background(), []ingest.Source{fakeJPEG("pending.jpg", 10, 10, 100)})
	pendingID := w.Items()[1].ID

	require.NoError(t, w.SetQuality(35))
	assert.Equal(t, 35, w.Quality())

	done, _ := w.Item(doneID)
	pending, _ := w.Item(pendingID)
	assert.Equal(t, config.DefaultQuality, done.Quality)
	assert.Equal(t, config.DefaultQuality, done.Artifact.Quality)
	assert.Equal(t, 35, pending.Quality)

	w.Ingest(context.Background(), []ingest.Source{fakeJPEG("later.jpg", 10, 10, 100)})
	assert.Equal(t, 35, w.Items()[2].Quality)

	assert.ErrorIs(t, w.SetQuality(5), config.ErrQualityRange)
	assert.ErrorIs(t, w.SetQuality(101), config.ErrQualityRange)
	assert.Equal(t, 35, w.Quality())
}

func TestSetItemQuality(t *testing.T) {
	w := newWorkspace(t, nil)
	w.Ingest(context.Background(), []ingest.Source{fakeJPEG("a.jpg", 10, 10, 100)})
	id := w.Items()[0].ID

	item, err := w.SetItemQuality(id, 5)
	require.NoError(t, err, "items accept values below the global minimum")
	assert.Equal(t, 5, item.Quality)
	_, err = w.SetItemQuality(id, 101)
	assert.ErrorIs(t, err, config.ErrQualityRange)

	item, err = w.SetItemQuality(id, 55)
	require.NoError(t, err)
	assert.Equal(t, 55, item.Quality)

	_, err = w.Compress(context.Background(), id)
	require.NoError(t, err)
	got, _ := w.Item(id)
	assert.Equal(t, 55, got.Artifact.Quality)

	_, err = w.SetItemQuality(id, 60)
	assert.ErrorIs(t, err, ErrQualityFrozen)
	_, err = w.SetItemQuality(id, 0)
	assert.ErrorIs(t, err, config.ErrQualityRange)
	_, err = w.SetItemQuality("missing", 60)
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestRemoveMidCompressionDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &rastertest.Backend{BeforeDecode: func() {
		close(started)
		<-release
	}}
	w := newWorkspace(t, backend)
	w.Ingest(context.Background(), []ingest.Source{fakeJPEG("gone.jpg", 300, 300, 5000)})
	id := w.Items()[0].ID

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Compress(context.Background(), id)
		errCh <- err
	}()

	<-started
	require.NoError(t, w.Remove(id))
	close(release)

	assert.NoError(t, <-errCh)
	_, ok := w.Item(id)
	assert.False(t, ok)
	assert.Empty(t, w.Items())
	assert.Equal(t, 0, w.Refs().Live())
	assert.ErrorIs(t, w.Remove(id), collection.ErrNotFound)
}

func TestRemoveAndClearReleaseReferences(t *testing.T) {
	w := newWorkspace(t, nil)
	w.Ingest(context.Background(), []ingest.Source{
		fakeJPEG("a.jpg", 10, 10, 100),
		fakeJPEG("b.jpg", 10, 10, 100),
		fakeJPEG("c.jpg", 10, 10, 100),
	})
	_, err := w.CompressAll(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 3, w.Refs().Live())

	require.NoError(t, w.Remove(w.Items()[0].ID))
	assert.Equal(t, 2, w.Refs().Live())

	w.Clear()
	assert.Equal(t, 0, w.Refs().Live())
	assert.Empty(t, w.Items())
	assert.Equal(t, 0, w.Summary().Total)
}

func TestRetryAfterErrorIsAllowed(t *testing.T) {
	w := newWorkspace(t, nil)
	w.Ingest(context.Background(), []ingest.Source{
		ingest.NewBytesSource("bad.jpg", "image/jpeg", []byte("nope")),
	})
	id := w.Items()[0].ID

	_, err := w.Compress(context.Background(), id)
	var derr *compressor.DecodeError
	require.ErrorAs(t, err, &derr)

	item, err := w.Compress(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, collection.StatusError, item.Status)
	assert.EqualValues(t, 2, w.Stats().FilesFailed)
}

func TestDownloadAllReleasesEveryReference(t *testing.T) {
	w := newWorkspace(t, nil)
	w.Ingest(context.Background(), []ingest.Source{
		fakeJPEG("x.png", 50, 50, 3000),
		fakeJPEG("y.png", 50, 50, 3000),
	})
	_, err := w.CompressAll(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	n, err := w.DownloadAll(context.Background(), export.SaverFunc(func(_ context.Context, d export.Download) error {
		names = append(names, d.Filename)
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"compressed-x.jpg", "compressed-y.jpg"}, names)
	assert.Equal(t, 0, w.Refs().Live())
	assert.EqualValues(t, 2, w.Stats().FilesExported)

	err = w.DownloadOne(context.Background(), w.Items()[0].ID, export.SaverFunc(func(context.Context, export.Download) error { return nil }))
	assert.NoError(t, err)
	assert.Equal(t, 0, w.Refs().Live())
}

func TestEventsCarrySummary(t *testing.T) {
	w := newWorkspace(t, nil)
	log := &eventLog{}
	unsubscribe := w.Subscribe(log.add)

	w.Ingest(context.Background(), []ingest.Source{fakeJPEG("a.jpg", 10, 10, 100)})
	id := w.Items()[0].ID
	_, err := w.CompressAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventItemUpdated, // ingested
		EventBatchStarted,
		EventItemUpdated, // compressing
		EventItemUpdated, // done
		EventBatchProgress,
		EventBatchFinished,
	}, log.types())

	last := log.last()
	assert.Equal(t, 1, last.Summary.Done)

	require.NoError(t, w.Remove(id))
	assert.Equal(t, EventItemRemoved, log.last().Type)
	assert.Equal(t, id, log.last().ID)
	assert.Equal(t, 0, log.last().Summary.Total)

	unsubscribe()
	w.Clear()
	assert.Equal(t, EventItemRemoved, log.last().Type)
}
