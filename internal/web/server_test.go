package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"image-compressor-go/internal/collection"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/raster/rastertest"
	"image-compressor-go/internal/workspace"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*Server
	http *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	log := logger.Discard()
	ws := workspace.New(cfg, log, &rastertest.Backend{}, nil)
	s := NewServer(cfg, log, ws)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		ts.Close()
	})
	return &testServer{Server: s, http: ts}
}

type file struct {
	name string
	data []byte
}

func (ts *testServer) upload(t *testing.T, files ...file) IngestResponse {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		fw, err := mw.CreateFormFile("files", f.name)
		require.NoError(t, err)
		_, err = fw.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.http.URL+"/api/images", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Success bool           `json:"success"`
		Data    IngestResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	return out.Data
}

func (ts *testServer) do(t *testing.T, method, path string, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Data
}

func (ts *testServer) waitStatus(t *testing.T, id string, want collection.Status) collection.ImageItem {
	t.Helper()
	var item collection.ImageItem
	require.Eventually(t, func() bool {
		var ok bool
		item, ok = ts.ws.Item(id)
		return ok && item.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return item
}

func TestUploadAcceptsImagesRejectsOthers(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t,
		file{"a.jpg", rastertest.Source(100, 80, 500)},
		file{"readme.txt", []byte("not an image")},
		file{"b.jpg", rastertest.Source(100, 80, 700)},
	)

	require.Len(t, out.Accepted, 2)
	require.Len(t, out.Rejected, 1)
	assert.Contains(t, out.Rejected[0], "readme.txt")
	assert.EqualValues(t, 500, out.Accepted[0].OriginalSizeBytes)

	resp := ts.do(t, http.MethodGet, "/api/images", "")
	items := decode[[]collection.ImageItem](t, resp)
	require.Len(t, items, 2)
	assert.Equal(t, "a.jpg", items[0].SourceName)
	assert.Equal(t, collection.StatusPending, items[0].Status)
}

func TestUploadWithoutFiles(t *testing.T) {
	ts := newTestServer(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.http.URL+"/api/images", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompressOneAndDownload(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t, file{"holiday photo.jpg", rastertest.Source(3000, 1500, 40000)})
	id := out.Accepted[0].ID

	resp := ts.do(t, http.MethodPost, "/api/images/"+id+"/compress", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	item := ts.waitStatus(t, id, collection.StatusDone)
	assert.Equal(t, 2048, item.Artifact.Width)
	assert.Equal(t, 1024, item.Artifact.Height)

	blob := ts.do(t, http.MethodGet, "/api/blobs/"+item.Artifact.Ref.Token(), "")
	assert.Equal(t, http.StatusOK, blob.StatusCode)
	assert.Equal(t, "image/jpeg", blob.Header.Get("Content-Type"))

	dl := ts.do(t, http.MethodGet, "/api/images/"+id+"/download", "")
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, `attachment; filename="compressed-holiday photo.jpg"`, dl.Header.Get("Content-Disposition"))
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Len(t, data, int(item.CompressedSizeBytes))

	// The download released the reference.
	gone := ts.do(t, http.MethodGet, "/api/blobs/"+item.Artifact.Ref.Token(), "")
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
	assert.Equal(t, 0, ts.ws.Refs().Live())
}

func TestCompressOneErrors(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/images/missing/compress", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	missing := ts.do(t, http.MethodGet, "/api/images/missing/download", "")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	out := ts.upload(t, file{"p.jpg", rastertest.Source(10, 10, 100)})
	dl := ts.do(t, http.MethodGet, "/api/images/"+out.Accepted[0].ID+"/download", "")
	assert.Equal(t, http.StatusConflict, dl.StatusCode)
	assert.Equal(t, "application/json", dl.Header.Get("Content-Type"))

	var body APIResponse
	require.NoError(t, json.NewDecoder(dl.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Contains(t, body.Error, "not been compressed")
}

func TestCompressAllAndZipDownload(t *testing.T) {
	ts := newTestServer(t)
	ts.upload(t,
		file{"one.jpg", rastertest.Source(500, 500, 9000)},
		file{"broken.jpg", []byte("corrupt")},
		file{"two.jpg", rastertest.Source(500, 500, 9000)},
	)

	nothing := ts.do(t, http.MethodGet, "/api/download", "")
	assert.Equal(t, http.StatusNotFound, nothing.StatusCode)

	resp := ts.do(t, http.MethodPost, "/api/compress", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		s := ts.ws.Summary()
		return s.Done == 2 && s.Error == 1 && !ts.ws.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)

	summary := ts.do(t, http.MethodGet, "/api/summary", "")
	s := decode[map[string]int](t, summary)
	assert.Equal(t, 2, s["done"])
	assert.Equal(t, 1, s["error"])
	assert.Equal(t, 18000, s["original_bytes"])

	dl := ts.do(t, http.MethodGet, "/api/download", "")
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "application/zip", dl.Header.Get("Content-Type"))
	body, err := io.ReadAll(dl.Body)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"compressed-one.jpg", "compressed-two.jpg"}, names)
	assert.Equal(t, 0, ts.ws.Refs().Live())
}

func TestQualityEndpoints(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t, file{"q.jpg", rastertest.Source(10, 10, 100)})
	id := out.Accepted[0].ID

	resp := ts.do(t, http.MethodPut, "/api/quality", `{"quality":42}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 42, ts.ws.Quality())
	item, _ := ts.ws.Item(id)
	assert.Equal(t, 42, item.Quality)

	bad := ts.do(t, http.MethodPut, "/api/quality", `{"quality":3}`)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	one := ts.do(t, http.MethodPut, "/api/images/"+id+"/quality", `{"quality":90}`)
	assert.Equal(t, http.StatusOK, one.StatusCode)
	assert.Equal(t, 90, decode[collection.ImageItem](t, one).Quality)

	_, err := ts.ws.Compress(context.Background(), id)
	require.NoError(t, err)
	frozen := ts.do(t, http.MethodPut, "/api/images/"+id+"/quality", `{"quality":50}`)
	assert.Equal(t, http.StatusConflict, frozen.StatusCode)

	missing := ts.do(t, http.MethodPut, "/api/images/nope/quality", `{"quality":50}`)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRemoveAndClear(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t,
		file{"a.jpg", rastertest.Source(10, 10, 100)},
		file{"b.jpg", rastertest.Source(10, 10, 100)},
	)

	resp := ts.do(t, http.MethodDelete, "/api/images/"+out.Accepted[0].ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	again := ts.do(t, http.MethodDelete, "/api/images/"+out.Accepted[0].ID, "")
	assert.Equal(t, http.StatusNotFound, again.StatusCode)

	get := ts.do(t, http.MethodGet, "/api/images/"+out.Accepted[1].ID, "")
	assert.Equal(t, http.StatusOK, get.StatusCode)

	cleared := ts.do(t, http.MethodDelete, "/api/images", "")
	assert.Equal(t, http.StatusOK, cleared.StatusCode)
	assert.Empty(t, ts.ws.Items())
}

func TestStatusAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/status", "")
	status := decode[map[string]interface{}](t, resp)
	assert.Equal(t, false, status["running"])
	assert.EqualValues(t, config.DefaultQuality, status["quality"])

	stop := ts.do(t, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusOK, stop.StatusCode)

	m := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, m.StatusCode)
	body, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "image_compressor_live_references")

	index := ts.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, index.StatusCode)
	assert.Contains(t, index.Header.Get("Content-Type"), "text/html")
}

func TestWebSocketReceivesEvents(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		ts.wsMutex.Lock()
		defer ts.wsMutex.Unlock()
		return len(ts.wsClients) == 1
	}, time.Second, 5*time.Millisecond)

	ts.upload(t, file{"live.jpg", rastertest.Source(10, 10, 100)})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Type string          `json:"type"`
		Data workspace.Event `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(workspace.EventItemUpdated), msg.Type)
	require.NotNil(t, msg.Data.Item)
	assert.Equal(t, "live.jpg", msg.Data.Item.SourceName)
	assert.Equal(t, 1, msg.Data.Summary.Pending)
}
