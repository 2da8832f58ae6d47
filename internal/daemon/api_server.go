package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"roadwatch/internal/api"
	"roadwatch/internal/bridge"
	"roadwatch/internal/config"
	"roadwatch/internal/coordinator"
	"roadwatch/internal/incident"
	"roadwatch/internal/logging"
	"roadwatch/internal/services"
	"roadwatch/internal/session"
)

const (
	maxUploadBytes = 2 << 30
	longPollWindow = 25 * time.Second
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	// pageLimit caps a single incident read, from incidents.hub_capacity.
	pageLimit int

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	srv := &apiServer{
		bind:      bind,
		logger:    logger,
		daemon:    d,
		pageLimit: cfg.Incidents.HubCapacity,
	}
	if srv.pageLimit <= 0 {
		srv.pageLimit = config.Default().Incidents.HubCapacity
	}

	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/sessions", srv.handleSessions)
	mux.HandleFunc("/api/sessions/", srv.handleSessionSubpath)
	mux.HandleFunc("/api/incidents", srv.handleIncidents)
	mux.HandleFunc("/api/media/", srv.handleMedia)

	srv.server = &http.Server{
		Handler:           srv.withRequestID(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

// withRequestID tags every request context with a correlation id, reusing the
// caller's X-Request-Id when one is supplied.
func (s *apiServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), requestID)))
	})
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status(r.Context())
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:          status.Running,
		PID:              status.PID,
		DatabasePath:     status.DatabasePath,
		LockFilePath:     status.LockFilePath,
		ActiveSessions:   status.ActiveSessions,
		SessionCounts:    status.SessionCounts,
		LastIncidentSeq:  status.LastIncidentSeq,
		Notifications:    status.Notifications,
		ReportGeneration: status.Reports,
	})
}

func (s *apiServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListSessions(w, r)
	case http.MethodPost:
		s.handleCreateSession(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var statuses []session.Status
	for _, value := range r.URL.Query()["status"] {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		status, ok := session.ParseStatus(trimmed)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", trimmed))
			return
		}
		statuses = append(statuses, status)
	}

	sessions, err := s.daemon.store.List(r.Context(), statuses...)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionListResponse{Sessions: api.FromSessions(sessions)})
}

type createSessionRequest struct {
	Mode       string `json:"mode"`
	MediaRef   string `json:"mediaRef"`
	AutoReport bool   `json:"autoReport"`
}

func (s *apiServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		s.handleUploadSession(w, r)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, ok := session.ParseMode(req.Mode)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}

	switch mode {
	case session.ModeRealtime:
		sess, err := s.daemon.store.Create(r.Context(), mode, strings.TrimSpace(req.MediaRef), req.AutoReport)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, api.SessionResponse{Session: api.FromSession(sess)})
	case session.ModeBatch:
		ref := strings.TrimSpace(req.MediaRef)
		if ref == "" || !s.daemon.media.Exists(ref) {
			s.writeError(w, http.StatusBadRequest, "batch sessions need an uploaded media file")
			return
		}
		s.startBatchSession(w, r, ref, req.AutoReport)
	}
}

func (s *apiServer) handleUploadSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	if mode := strings.TrimSpace(r.FormValue("mode")); mode != "" && mode != string(session.ModeBatch) {
		s.writeError(w, http.StatusBadRequest, "file uploads start batch sessions")
		return
	}
	autoReport := parseBool(r.FormValue("autoReport"))

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "upload requires a file field")
		return
	}
	defer file.Close()

	ref, err := s.daemon.media.SaveUpload(file, header)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.startBatchSession(w, r, ref, autoReport)
}

func (s *apiServer) startBatchSession(w http.ResponseWriter, r *http.Request, mediaRef string, autoReport bool) {
	sess, err := s.daemon.store.Create(r.Context(), session.ModeBatch, mediaRef, autoReport)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.daemon.manager.StartBatch(r.Context(), sess.TaskID); err != nil {
		reason := fmt.Sprintf("could not start analysis: %v", err)
		if failErr := s.daemon.store.MarkFailed(r.Context(), sess.TaskID, reason); failErr != nil {
			s.log().Warn("failed to record start failure", logging.Error(failErr))
		}
		s.writeFailure(w, err)
		return
	}
	created, err := s.daemon.store.GetByTask(r.Context(), sess.TaskID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.SessionResponse{Session: api.FromSession(created)})
}

func (s *apiServer) handleSessionSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := strings.TrimSpace(parts[0])
	if taskID == "" {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetSession(w, r, taskID)
	case action == "result" && r.Method == http.MethodGet:
		s.handleResult(w, r, taskID)
	case action == "offer" && r.Method == http.MethodPost:
		s.handleOffer(w, r, taskID)
	case action == "stop" && r.Method == http.MethodPost:
		s.handleStop(w, r, taskID)
	case action == "report" && r.Method == http.MethodPost:
		s.handleReport(w, r, taskID)
	case action == "snapshots" && r.Method == http.MethodPut:
		s.handleSnapshots(w, r, taskID)
	case action == "reconcile" && r.Method == http.MethodGet:
		s.handleReconcile(w, r, taskID)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleGetSession(w http.ResponseWriter, r *http.Request, taskID string) {
	sess, err := s.daemon.store.GetByTask(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionResponse{Session: api.FromSession(sess)})
}

func (s *apiServer) handleResult(w http.ResponseWriter, r *http.Request, taskID string) {
	sess, err := s.daemon.store.GetByTask(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if sess.Status != session.StatusCompleted {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("session is %s, not completed", sess.Status))
		return
	}
	incidents, err := s.daemon.publisher.Log().ListByTask(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ResultResponse{
		TaskID:       sess.TaskID,
		ResultRef:    sess.ResultRef,
		SnapshotRefs: sess.SnapshotRefs,
		Report:       sess.Report,
		Incidents:    api.FromIncidents(incidents),
	})
}

func (s *apiServer) handleOffer(w http.ResponseWriter, r *http.Request, taskID string) {
	var req api.OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Offer) == 0 {
		s.writeError(w, http.StatusBadRequest, "offer is required")
		return
	}

	timeout := time.Duration(s.daemon.cfg.Inference.HandshakeTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	answer, err := s.daemon.manager.StartRealtime(ctx, taskID, req.Offer)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.OfferResponse{Answer: answer})
}

func (s *apiServer) handleStop(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.daemon.manager.Stop(r.Context(), taskID); err != nil {
		s.writeFailure(w, err)
		return
	}
	sess, err := s.daemon.store.GetByTask(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionResponse{Session: api.FromSession(sess)})
}

func (s *apiServer) handleReport(w http.ResponseWriter, r *http.Request, taskID string) {
	force := parseBool(r.URL.Query().Get("force"))
	report, err := s.daemon.manager.GenerateReport(r.Context(), taskID, force)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReportResponse{TaskID: taskID, Report: report})
}

func (s *apiServer) handleSnapshots(w http.ResponseWriter, r *http.Request, taskID string) {
	var req api.SnapshotUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.daemon.store.UpdateSnapshots(r.Context(), taskID, req.SnapshotRefs); err != nil {
		s.writeFailure(w, err)
		return
	}
	sess, err := s.daemon.store.GetByTask(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionResponse{Session: api.FromSession(sess)})
}

func (s *apiServer) handleReconcile(w http.ResponseWriter, r *http.Request, taskID string) {
	sess, err := s.daemon.store.GetByTask(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.daemon.store.Touch(r.Context(), taskID); err != nil {
		s.log().Warn("liveness touch failed",
			logging.String(logging.FieldTaskID, taskID), logging.Error(err))
	}
	lastSeq, err := s.daemon.publisher.Log().LastSequenceForTask(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReconcileResponse{
		TaskID:          sess.TaskID,
		Status:          string(sess.Status),
		Progress:        sess.Progress,
		LastIncidentSeq: lastSeq,
	})
}

func (s *apiServer) handleIncidents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleIncidentStream(w, r)
	case http.MethodPost:
		s.handleManualIncident(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleIncidentStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 || limit > s.pageLimit {
		limit = s.pageLimit
	}
	follow := parseBool(query.Get("follow"))
	tail := parseBool(query.Get("tail"))
	taskID := strings.TrimSpace(query.Get("task"))

	ctx := r.Context()
	if follow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, longPollWindow)
		defer cancel()
	}

	var (
		incidents []incident.Incident
		next      uint64
		err       error
	)
	if tail && since == 0 && !follow {
		incidents, err = s.daemon.publisher.Log().Tail(ctx, limit, taskID)
		next = s.daemon.publisher.LastSequence()
	} else {
		incidents, next, err = s.daemon.publisher.Fetch(ctx, since, limit, follow, taskID)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeFailure(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, api.IncidentStreamResponse{
		Incidents: api.FromIncidents(incidents),
		Next:      next,
	})
}

func (s *apiServer) handleManualIncident(w http.ResponseWriter, r *http.Request) {
	var req api.ManualIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := s.daemon.store.GetByTask(r.Context(), strings.TrimSpace(req.TaskID)); err != nil {
		s.writeFailure(w, err)
		return
	}

	draft := api.ToDraft(req)
	if strings.TrimSpace(draft.IncidentID) == "" {
		draft.IncidentID = uuid.NewString()
	}
	inc, inserted, err := s.daemon.publisher.Publish(r.Context(), draft)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}
	s.writeJSON(w, status, api.IncidentResponse{Incident: api.FromIncident(*inc)})
}

func (s *apiServer) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ref := strings.TrimPrefix(r.URL.Path, "/api/media/")
	path, err := s.daemon.media.Resolve(ref)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !s.daemon.media.Exists(ref) {
		s.writeError(w, http.StatusNotFound, "media not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *apiServer) writeFailure(w http.ResponseWriter, err error) {
	s.writeError(w, httpStatusFor(err), err.Error())
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, services.ErrNotFound),
		errors.Is(err, incident.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrConflict),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, coordinator.ErrAlreadyRunning),
		errors.Is(err, coordinator.ErrNotRunning),
		errors.Is(err, bridge.ErrWrongMode),
		errors.Is(err, bridge.ErrTerminal),
		errors.Is(err, bridge.ErrNotLinked):
		return http.StatusConflict
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, incident.ErrMissingIncidentID),
		errors.Is(err, incident.ErrMissingTaskID),
		errors.Is(err, incident.ErrMissingType):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, services.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseBool(value string) bool {
	return value == "1" || strings.EqualFold(value, "true")
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
