package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"image-compressor-go/internal/blob"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/session"
	"image-compressor-go/internal/statistics"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	runner     session.Runner
	store      *blob.Store
	stats      *statistics.Statistics
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]string
	wsMutex    sync.Mutex

	sessionsMutex sync.RWMutex
	sessions      map[string]*sessionEntry

	done     chan struct{}
	stopOnce sync.Once
}

type sessionEntry struct {
	ctrl     *session.Controller
	lastSeen time.Time
}

const wsWriteTimeout = 10 * time.Second

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SessionStatus is the JSON view of a session snapshot.
type SessionStatus struct {
	ID               string `json:"id"`
	State            string `json:"state"`
	Progress         int    `json:"progress"`
	FileName         string `json:"file_name,omitempty"`
	MimeType         string `json:"mime_type,omitempty"`
	OriginalSize     int64  `json:"original_size,omitempty"`
	OriginalSizeKB   string `json:"original_size_kb,omitempty"`
	CompressedSize   int64  `json:"compressed_size,omitempty"`
	CompressedSizeKB string `json:"compressed_size_kb,omitempty"`
	CompressionRate  string `json:"compression_rate,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	MetTarget        bool   `json:"met_target,omitempty"`
	DownloadURL      string `json:"download_url,omitempty"`
	DownloadName     string `json:"download_name,omitempty"`
	Error            string `json:"error,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, runner session.Runner, store *blob.Store, stats *statistics.Statistics) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		runner:    runner,
		store:     store,
		stats:     stats,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]string),
		sessions:  make(map[string]*sessionEntry),
		done:      make(chan struct{}),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/image", s.handleSelectImage).Methods("POST")
	api.HandleFunc("/sessions/{id}/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/blobs/{handle}", s.handleDownload).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	if timeout := s.cfg.Server.SessionIdleTimeout; timeout > 0 {
		go s.reapLoop(min(timeout/2, time.Minute))
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down and closes every session.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	s.sessionsMutex.Lock()
	for id, e := range s.sessions {
		e.ctrl.Close()
		delete(s.sessions, id)
	}
	s.sessionsMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sessionsMutex.RLock()
	count := len(s.sessions)
	s.sessionsMutex.RUnlock()

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"sessions":      count,
			"blobs":         s.store.Len(),
			"max_size":      humanize.IBytes(uint64(s.cfg.Limits().MaxBytes)),
			"max_dimension": s.cfg.Compression.MaxDimensionPx,
		},
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary":       s.stats.GetSummary(),
			"breakdown":     s.stats.GetMimeTypeBreakdown(),
			"error_summary": s.stats.GetErrorSummary(),
			"counters":      s.stats.Snapshot(),
		},
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	ctrl := session.New(session.Options{
		Runner: s.runner,
		Store:  s.store,
		Sink:   session.SinkFunc(func(ev session.Event) { s.broadcastEvent(id, ev) }),
		Limits: s.cfg.Limits(),
		Stats:  s.stats,
		Log:    logger.WithSession(s.log, id),
	})

	s.sessionsMutex.Lock()
	s.sessions[id] = &sessionEntry{ctrl: ctrl, lastSeen: time.Now()}
	s.sessionsMutex.Unlock()

	s.log.WithField("session", id).Debug("Session created")

	s.writeJSONStatus(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    s.statusFor(id, ctrl.Snapshot()),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.statusFor(id, ctrl.Snapshot()),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	s.sessionsMutex.Lock()
	delete(s.sessions, id)
	s.sessionsMutex.Unlock()
	ctrl.Close()

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Session closed",
	})
}

func (s *Server) handleSelectImage(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes())
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes()); err != nil {
		s.writeError(w, "Invalid upload", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, "File is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	declared := header.Header.Get("Content-Type")
	s.log.WithFields(logrus.Fields{
		"session": id,
		"file":    header.Filename,
		"mime":    declared,
		"size":    len(data),
	}).Debug("Upload received")

	if err := ctrl.SelectFile(header.Filename, declared, data); err != nil {
		switch {
		case errors.Is(err, compressor.ErrUnsupportedMimeType):
			s.writeError(w, fmt.Sprintf("Unsupported file type %q (allowed: .jpg, .jpeg, .png, .webp)", declared), http.StatusUnsupportedMediaType)
		case errors.Is(err, session.ErrClosed):
			s.writeError(w, "Session closed", http.StatusGone)
		default:
			s.writeError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Image selected",
		Data:    s.statusFor(id, ctrl.Snapshot()),
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	token, err := ctrl.StartCompression()
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNoImage):
			s.writeError(w, "No image selected", http.StatusConflict)
		case errors.Is(err, session.ErrBusy):
			s.writeError(w, "Compression already in progress", http.StatusConflict)
		case errors.Is(err, session.ErrClosed):
			s.writeError(w, "Session closed", http.StatusGone)
		default:
			s.writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	logger.WithInvocation(s.log, id, token).Debug("Compression accepted")

	s.writeJSONStatus(w, http.StatusAccepted, APIResponse{
		Success: true,
		Message: "Compression started",
		Data: map[string]interface{}{
			"invocation": token,
			"session":    s.statusFor(id, ctrl.Snapshot()),
		},
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	entry, err := s.store.Get(handle)
	if err != nil {
		s.writeError(w, "Download not found", http.StatusNotFound)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = session.DeriveName("image" + compressor.MimeType(entry.MimeType).Extension())
	}

	w.Header().Set("Content-Type", entry.MimeType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(entry.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if _, err := w.Write(entry.Data); err != nil {
		s.log.Errorf("Failed to write download: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	s.sessionsMutex.RLock()
	_, known := s.sessions[id]
	s.sessionsMutex.RUnlock()
	if !known {
		s.writeError(w, "Session not found", http.StatusNotFound)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = id
	s.wsMutex.Unlock()

	s.log.WithField("session", id).Debug("WebSocket client connected")

	// Remove client on disconnect
	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.WithField("session", id).Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (string, *session.Controller, bool) {
	id := mux.Vars(r)["id"]
	s.sessionsMutex.Lock()
	e, ok := s.sessions[id]
	if ok {
		e.lastSeen = time.Now()
	}
	s.sessionsMutex.Unlock()
	if !ok {
		s.writeError(w, "Session not found", http.StatusNotFound)
		return "", nil, false
	}
	return id, e.ctrl, true
}

func (s *Server) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.reapIdleSessions(now)
		}
	}
}

// reapIdleSessions closes sessions untouched for longer than the idle
// timeout. Sessions that are compressing or have a WebSocket client are kept.
func (s *Server) reapIdleSessions(now time.Time) int {
	timeout := s.cfg.Server.SessionIdleTimeout
	if timeout <= 0 {
		return 0
	}

	watched := make(map[string]bool)
	s.wsMutex.Lock()
	for _, id := range s.wsClients {
		watched[id] = true
	}
	s.wsMutex.Unlock()

	var expired []*session.Controller
	s.sessionsMutex.Lock()
	for id, e := range s.sessions {
		if watched[id] || now.Sub(e.lastSeen) < timeout {
			continue
		}
		if e.ctrl.Snapshot().State == session.StateCompressing {
			continue
		}
		delete(s.sessions, id)
		expired = append(expired, e.ctrl)
		s.log.WithField("session", id).Debug("Session expired")
	}
	s.sessionsMutex.Unlock()

	for _, ctrl := range expired {
		ctrl.Close()
	}
	return len(expired)
}

// statusFor converts a snapshot into its JSON view.
func (s *Server) statusFor(id string, snap session.Snapshot) SessionStatus {
	st := SessionStatus{
		ID:       id,
		State:    snap.State.String(),
		Progress: snap.Progress,
		FileName: snap.FileName,
		MimeType: snap.MimeType.String(),
	}
	if snap.OriginalSize > 0 {
		st.OriginalSize = snap.OriginalSize
		st.OriginalSizeKB = session.FormatKB(snap.OriginalSize)
	}
	if snap.Result != nil {
		st.CompressedSize = snap.Result.Size
		st.CompressedSizeKB = session.FormatKB(snap.Result.Size)
		st.Width = snap.Result.Width
		st.Height = snap.Result.Height
		st.MetTarget = snap.Result.MetTarget
		st.DownloadName = snap.DownloadName
		st.DownloadURL = "/api/blobs/" + snap.Handle + "?name=" + url.QueryEscape(snap.DownloadName)
	}
	if snap.HasRate {
		st.CompressionRate = session.FormatRate(snap.Rate)
	}
	if snap.Err != nil {
		st.Error = snap.Err.Error()
	}
	return st
}

func (s *Server) broadcastEvent(id string, ev session.Event) {
	s.broadcastWSMessage(id, string(ev.Type), s.statusFor(id, ev.Snapshot))
}

func (s *Server) broadcastWSMessage(sessionID, messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	var conns []*websocket.Conn
	s.wsMutex.Lock()
	for conn, id := range s.wsClients {
		if id == sessionID {
			conns = append(conns, conn)
		}
	}
	s.wsMutex.Unlock()

	// Each session delivers its events on one goroutine, so a connection
	// has a single writer.
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			s.wsMutex.Lock()
			delete(s.wsClients, conn)
			s.wsMutex.Unlock()
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
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
