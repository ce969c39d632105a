package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"image-compressor-go/internal/collection"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/export"
	"image-compressor-go/internal/ingest"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/resource"
	"image-compressor-go/internal/workspace"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

//go:embed static/index.html
var staticFiles embed.FS

const (
	maxUploadMemory = 32 << 20
	wsWriteTimeout  = 5 * time.Second
)

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	ws         *workspace.Workspace
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	// Current batch state
	operationMutex sync.Mutex
	cancelBatch    context.CancelFunc
	batchDone      chan struct{}

	unsubscribe func()
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type QualityRequest struct {
	Quality int `json:"quality"`
}

type IngestResponse struct {
	Accepted []collection.ImageItem `json:"accepted"`
	Rejected []string               `json:"rejected"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, ws *workspace.Workspace) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		ws:        ws,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local tool, the UI may be opened from any origin
			},
		},
	}

	s.setupRoutes()
	s.unsubscribe = ws.Subscribe(func(ev workspace.Event) {
		s.broadcastWSMessage(string(ev.Type), ev)
	})
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/summary", s.handleSummary).Methods("GET")
	api.HandleFunc("/quality", s.handleSetQuality).Methods("PUT")

	api.HandleFunc("/images", s.handleListImages).Methods("GET")
	api.HandleFunc("/images", s.handleUpload).Methods("POST")
	api.HandleFunc("/images", s.handleClear).Methods("DELETE")
	api.HandleFunc("/images/{id}", s.handleGetImage).Methods("GET")
	api.HandleFunc("/images/{id}", s.handleRemoveImage).Methods("DELETE")
	api.HandleFunc("/images/{id}/quality", s.handleSetItemQuality).Methods("PUT")
	api.HandleFunc("/images/{id}/compress", s.handleCompressOne).Methods("POST")
	api.HandleFunc("/images/{id}/download", s.handleDownloadOne).Methods("GET")

	api.HandleFunc("/compress", s.handleCompressAll).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/download", s.handleDownloadAll).Methods("GET")
	api.HandleFunc("/blobs/{token}", s.handleBlob).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop cancels a running batch, waits for it to wind down and shuts the HTTP
// server down.
func (s *Server) Stop(ctx context.Context) error {
	s.stopBatch()
	s.operationMutex.Lock()
	done := s.batchDone
	s.operationMutex.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wsMutex.Lock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
	s.wsMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		s.writeError(w, "UI unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running": s.ws.IsRunning(),
			"quality": s.ws.Quality(),
			"summary": s.ws.Summary(),
		},
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{Success: true, Data: s.ws.Summary()})
}

func (s *Server) handleSetQuality(w http.ResponseWriter, r *http.Request) {
	var req QualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ws.SetQuality(req.Quality); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: map[string]int{"quality": s.ws.Quality()}})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{Success: true, Data: s.ws.Items()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.writeError(w, "Invalid multipart body", http.StatusBadRequest)
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, "No files uploaded", http.StatusBadRequest)
		return
	}

	sources := make([]ingest.Source, 0, len(headers))
	for _, fh := range headers {
		sources = append(sources, uploadSource{fh})
	}

	// Ingestion must finish before the multipart temp files are removed.
	report := s.ws.Ingest(r.Context(), sources)

	resp := IngestResponse{Accepted: report.Accepted, Rejected: make([]string, 0, len(report.Rejected))}
	for _, err := range report.Rejected {
		resp.Rejected = append(resp.Rejected, err.Error())
	}
	if resp.Accepted == nil {
		resp.Accepted = []collection.ImageItem{}
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d accepted, %d rejected", len(resp.Accepted), len(resp.Rejected)),
		Data:    resp,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.ws.Clear()
	s.writeJSON(w, APIResponse{Success: true, Message: "Workspace cleared"})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	item, ok := s.ws.Item(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, "Image not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: item})
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.Remove(mux.Vars(r)["id"]); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Image removed"})
}

func (s *Server) handleSetItemQuality(w http.ResponseWriter, r *http.Request) {
	var req QualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	item, err := s.ws.SetItemQuality(mux.Vars(r)["id"], req.Quality)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: item})
}

// handleCompressOne queues a manual compression. It runs behind any batch in
// progress, so the outcome is delivered over the websocket feed.
func (s *Server) handleCompressOne(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	item, ok := s.ws.Item(id)
	switch {
	case !ok:
		s.writeError(w, "Image not found", http.StatusNotFound)
		return
	case item.Status == collection.StatusCompressing:
		s.writeError(w, compressor.ErrInFlight.Error(), http.StatusConflict)
		return
	case item.Preview == nil:
		s.writeError(w, compressor.ErrNotReady.Error(), http.StatusConflict)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := s.ws.Compress(ctx, id); err != nil {
			logger.WithItemOperation(s.log, id, item.SourceName, "compress").Debugf("Manual compression ended with error: %v", err)
		}
	}()

	s.writeJSONStatus(w, http.StatusAccepted, APIResponse{Success: true, Message: "Compression queued"})
}

func (s *Server) handleCompressAll(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.Lock()
	if s.cancelBatch != nil {
		s.operationMutex.Unlock()
		s.writeError(w, compressor.ErrBatchRunning.Error(), http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBatch = cancel
	s.batchDone = make(chan struct{})
	done := s.batchDone
	s.operationMutex.Unlock()

	go s.runBatchAsync(ctx, cancel, done)

	s.writeJSONStatus(w, http.StatusAccepted, APIResponse{Success: true, Message: "Compression started"})
}

func (s *Server) runBatchAsync(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		cancel()
		s.operationMutex.Lock()
		s.cancelBatch = nil
		s.batchDone = nil
		s.operationMutex.Unlock()
		close(done)
	}()

	result, err := s.ws.CompressAll(ctx, nil)
	if err != nil {
		s.broadcastWSMessage("batch_error", map[string]interface{}{"error": err.Error()})
		return
	}
	s.log.WithFields(logrus.Fields{
		"done":   result.Done,
		"failed": result.Failed,
	}).Debug("Background batch finished")
}

func (s *Server) stopBatch() bool {
	s.operationMutex.Lock()
	defer s.operationMutex.Unlock()
	if s.cancelBatch == nil {
		return false
	}
	s.cancelBatch()
	return true
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.stopBatch() {
		s.writeJSON(w, APIResponse{Success: true, Message: "No batch running"})
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Batch stopping after the current image"})
}

// handleDownloadOne streams one artifact. Errors raised before the saver runs
// still get a JSON error response; later ones can only be logged.
func (s *Server) handleDownloadOne(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	started := false
	saver := export.SaverFunc(func(ctx context.Context, d export.Download) error {
		started = true
		return export.ResponseSaver{W: w}.Save(ctx, d)
	})
	if err := s.ws.DownloadOne(r.Context(), id, saver); err != nil {
		if !started {
			s.writeDomainError(w, err)
			return
		}
		logger.WithOperation(s.log, "export").WithField(logger.FieldItem, id).Warnf("Download failed: %v", err)
	}
}

func (s *Server) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	if s.ws.Summary().Done == 0 {
		s.writeError(w, "No compressed images to download", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": "compressed-images.zip",
	}))

	zs := export.NewZipSaver(w)
	n, err := s.ws.DownloadAll(r.Context(), zs)
	if cerr := zs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		s.log.Warnf("Zip download incomplete after %d images: %v", n, err)
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	data, err := s.ws.Refs().Resolve(resource.ParseToken(mux.Vars(r)["token"]))
	if err != nil {
		s.writeError(w, "Reference released", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// broadcastWSMessage sends one message to every client. Writes are serialised
// since a websocket connection supports a single concurrent writer.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeDomainError maps workspace errors to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, collection.ErrNotFound):
		s.writeError(w, "Image not found", http.StatusNotFound)
	case errors.Is(err, config.ErrQualityRange):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, workspace.ErrQualityFrozen),
		errors.Is(err, compressor.ErrInFlight),
		errors.Is(err, export.ErrNotDone):
		s.writeError(w, err.Error(), http.StatusConflict)
	default:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// uploadSource adapts a multipart file to ingest.Source.
type uploadSource struct {
	fh *multipart.FileHeader
}

func (u uploadSource) Name() string { return u.fh.Filename }
func (u uploadSource) Size() int64  { return u.fh.Size }

func (u uploadSource) MimeType() string {
	if ct := u.fh.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt
		}
	}
	return mime.TypeByExtension(filepath.Ext(u.fh.Filename))
}

func (u uploadSource) Open() (io.ReadCloser, error) {
	return u.fh.Open()
}
