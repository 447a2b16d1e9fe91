// Package controller is the BrainPortal HTTP surface: operators manage
// activities, resources and quotas here, and peers reach its control channel.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cbrain/controlplane/internal/activity"
	"github.com/cbrain/controlplane/internal/agent"
	"github.com/cbrain/controlplane/internal/auth"
	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/events"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/quota"
	"github.com/cbrain/controlplane/internal/resource"
)

// Dispatcher runs one activity in the foreground.
type Dispatcher interface {
	RunOne(ctx context.Context, id int64) error
}

// Workers is the portal's own activity worker pool.
type Workers interface {
	Wakeup()
	Running() int
}

type Config struct {
	DB         *db.DB
	Auth       *auth.Authenticator
	Events     events.Emitter
	Builder    *activity.Builder
	Dispatcher Dispatcher
	Workers    Workers
	Resources  *resource.Manager
	Quotas     *quota.Aggregator
	Processor  *command.Processor
	Version    string
	Logger     *slog.Logger
	Now        func() time.Time
}

type Server struct {
	db         *db.DB
	auth       *auth.Authenticator
	events     events.Emitter
	builder    *activity.Builder
	dispatcher Dispatcher
	workers    Workers
	resources  *resource.Manager
	quotas     *quota.Aggregator
	processor  *command.Processor
	self       *models.RemoteResource
	version    string
	logger     *slog.Logger
	now        func() time.Time
	started    time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		db:         cfg.DB,
		auth:       cfg.Auth,
		events:     cfg.Events,
		builder:    cfg.Builder,
		dispatcher: cfg.Dispatcher,
		workers:    cfg.Workers,
		resources:  cfg.Resources,
		quotas:     cfg.Quotas,
		processor:  cfg.Processor,
		self:       cfg.Processor.Self(),
		version:    cfg.Version,
		logger:     cfg.Logger,
		now:        cfg.Now,
		started:    time.Now(),
	}

	agent.RegisterCommon(s.processor, s.self, s.builder, s.db, s.wakeLocal)
	for _, name := range []string{command.StartWorkers, command.StopWorkers, command.WakeupWorkers} {
		s.processor.Register(name, rejectOnPortal)
	}
	return s
}

func rejectOnPortal(_ context.Context, cmd *command.RemoteCommand) error {
	return &command.RejectedError{Reason: fmt.Sprintf("%s is only accepted by a Bourreau", cmd.Command)}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	user := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(h) }
	admin := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(auth.RequireAdmin(h)) }

	mux.Handle("GET /v1/whoami", user(s.handleWhoami))

	// Background activities
	mux.Handle("GET /v1/activities", user(s.handleActivityList))
	mux.Handle("POST /v1/activities", admin(s.handleActivityCreate))
	mux.Handle("POST /v1/activities/operation", user(s.handleActivityOperation))
	mux.Handle("GET /v1/activities/{id}", user(s.handleActivityGet))
	mux.Handle("GET /v1/activities/{id}/events", user(s.handleActivityEvents))
	mux.Handle("POST /v1/activities/{id}/run", admin(s.handleActivityRun))

	// Remote resources
	mux.Handle("GET /v1/resources", user(s.handleResourceList))
	mux.Handle("POST /v1/resources/{id}/{action}", admin(s.handleResourceAction))
	mux.Handle("POST /v1/resources/{id}/commands/{name}", admin(s.handleResourceCommand))

	// Quotas
	mux.Handle("GET /v1/quotas/report", admin(s.handleQuotaReport))
	mux.Handle("POST /v1/quotas/cpu", admin(s.handleCPUQuota))
	mux.Handle("POST /v1/quotas/disk", admin(s.handleDiskQuota))

	// Control channel (resource token auth)
	mux.Handle("POST /v1/controls", s.auth.ResourceMiddleware(command.ReceiveHandler(s.processor)))
	mux.Handle("GET /v1/controls/{keyword}", s.auth.ResourceMiddleware(command.ProbeHandler(s.Info)))

	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+command.TokenHeader)

		if r.Method == "OPTIONS" {
			s.logger.Debug("CORS preflight", "path", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Info describes this portal for ping and info probes.
func (s *Server) Info(mode string) *models.Info {
	host, _ := os.Hostname()
	info := &models.Info{
		Name:     s.self.Name,
		ID:       s.self.ID,
		Type:     string(s.self.Type),
		Hostname: host,
		PID:      os.Getpid(),
		Uptime:   int64(time.Since(s.started).Seconds()),
		Version:  s.version,
	}
	if s.workers != nil {
		info.NumWorkers = s.workers.Running()
	}
	if mode == command.ProbeInfo {
		agent.FillHostMetrics(info)
	}
	return info
}

func (s *Server) wakeLocal() {
	if s.workers != nil {
		s.workers.Wakeup()
	}
}

// wake nudges whoever runs activities for resourceID. Remote Bourreaux get a
// best-effort wakeup_workers command.
func (s *Server) wake(ctx context.Context, resourceID int64) {
	if resourceID == s.self.ID {
		s.wakeLocal()
		return
	}
	rr, err := s.db.GetResource(ctx, resourceID)
	if err != nil || !rr.Online {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.resources.For(rr).SendWakeupWorkers(ctx); err != nil {
			s.logger.Warn("waking workers", "resource", rr.Name, "err", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleActivityList(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	q := r.URL.Query()

	var f db.ActivityFilter
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, models.ActivityStatus(strings.TrimSpace(st)))
		}
	}
	for key, dst := range map[string]*int64{"resource_id": &f.RemoteResourceID, "user_id": &f.UserID} {
		if v := q.Get(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid "+key, http.StatusBadRequest)
				return
			}
			*dst = n
		}
	}
	if !user.IsAdmin {
		f.UserID = user.ID
	}
	f.Limit = 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	acts, err := s.db.ListActivities(r.Context(), f)
	if err != nil {
		s.logger.Error("listing activities", "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if acts == nil {
		acts = []*models.BackgroundActivity{}
	}
	writeJSON(w, http.StatusOK, acts)
}

func (s *Server) handleActivityCreate(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req activity.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 {
		req.UserID = user.ID
	}

	act, err := s.builder.Create(r.Context(), req)
	var verrs activity.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": verrs})
		return
	case err != nil:
		s.logger.Error("creating activity", "type", req.Type, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	s.events.Emit(events.TypeActivityCreated, events.ID(act.ID), events.ID(act.RemoteResourceID), map[string]any{
		"type":    act.Type,
		"user_id": act.UserID,
		"items":   len(act.Items),
	})
	if act.Status == models.StatusScheduled {
		s.wake(r.Context(), act.RemoteResourceID)
	}
	writeJSON(w, http.StatusCreated, act)
}

// loadVisible fetches an activity the caller may see. It writes the error
// response and returns nil otherwise.
func (s *Server) loadVisible(w http.ResponseWriter, r *http.Request) *models.BackgroundActivity {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid activity id", http.StatusBadRequest)
		return nil
	}
	act, err := s.db.GetActivity(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "activity not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return nil
	}
	if user := auth.UserFromContext(r.Context()); !user.IsAdmin && act.UserID != user.ID {
		http.Error(w, "activity not found", http.StatusNotFound)
		return nil
	}
	return act
}

func (s *Server) handleActivityGet(w http.ResponseWriter, r *http.Request) {
	if act := s.loadVisible(w, r); act != nil {
		writeJSON(w, http.StatusOK, act)
	}
}

func (s *Server) handleActivityEvents(w http.ResponseWriter, r *http.Request) {
	act := s.loadVisible(w, r)
	if act == nil {
		return
	}
	evs, err := events.Query(r.Context(), s.db, events.Filter{ActivityID: act.ID, Limit: 500})
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []models.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

type OperationRequest struct {
	Operation string  `json:"operation"`
	IDs       []int64 `json:"ids"`
}

type OperationResponse struct {
	activity.OperationReport
	Message string `json:"message"`
}

func (s *Server) handleActivityOperation(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	op, err := activity.ParseOperation(req.Operation)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rep, err := activity.Apply(r.Context(), s.db, op, req.IDs, user, s.now())
	if err != nil {
		s.logger.Error("applying operation", "operation", op, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("activity operation", "operation", op, "user", user.Login,
		"requested", rep.Requested, "affected", rep.Affected)

	woken := map[int64]bool{}
	for _, id := range rep.AffectedIDs {
		s.events.Emit(events.TypeActivityOperation, events.ID(id), nil, map[string]any{
			"operation": op,
			"user_id":   user.ID,
		})
		if op != activity.OpUnsuspend && op != activity.OpRetry {
			continue
		}
		if act, err := s.db.GetActivity(r.Context(), id); err == nil && !woken[act.RemoteResourceID] {
			woken[act.RemoteResourceID] = true
			s.wake(r.Context(), act.RemoteResourceID)
		}
	}
	writeJSON(w, http.StatusOK, OperationResponse{OperationReport: rep, Message: rep.Message()})
}

func (s *Server) handleActivityRun(w http.ResponseWriter, r *http.Request) {
	act := s.loadVisible(w, r)
	if act == nil {
		return
	}
	if act.RemoteResourceID != s.self.ID {
		http.Error(w, "activity belongs to another resource", http.StatusConflict)
		return
	}
	if err := s.dispatcher.RunOne(r.Context(), act.ID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	done, err := s.db.GetActivity(r.Context(), act.ID)
	if err != nil {
		// destroyed while running
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, done)
}

func (s *Server) handleResourceList(w http.ResponseWriter, r *http.Request) {
	var typ models.ResourceType
	if v := r.URL.Query().Get("type"); v != "" {
		typ = models.ResourceType(v)
	}
	rrs, err := s.db.ListResources(r.Context(), typ)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if rrs == nil {
		rrs = []*models.RemoteResource{}
	}
	writeJSON(w, http.StatusOK, rrs)
}

func (s *Server) loadResource(w http.ResponseWriter, r *http.Request) *models.RemoteResource {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid resource id", http.StatusBadRequest)
		return nil
	}
	rr, err := s.db.GetResource(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "resource not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return nil
	}
	return rr
}

type PingResponse struct {
	Alive       bool       `json:"alive"`
	Online      bool       `json:"online"`
	TimeOfDeath *time.Time `json:"time_of_death,omitempty"`
}

func (s *Server) handleResourceAction(w http.ResponseWriter, r *http.Request) {
	rr := s.loadResource(w, r)
	if rr == nil {
		return
	}
	proxy := s.resources.For(rr)

	switch action := r.PathValue("action"); action {
	case "start", "stop":
		var out resource.Outcome
		if action == "start" {
			out = proxy.Start(r.Context())
		} else {
			out = proxy.Stop(r.Context())
		}
		s.logger.Info("resource "+action, "resource", rr.Name, "ok", out.OK)
		writeJSON(w, http.StatusOK, out)
	case "ping":
		alive := proxy.IsAlive(r.Context(), command.ProbePing)
		cur := proxy.Resource()
		writeJSON(w, http.StatusOK, PingResponse{Alive: alive, Online: cur.Online, TimeOfDeath: cur.TimeOfDeath})
	case "info":
		info, err := proxy.Info(r.Context(), command.ProbeInfo)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, info)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

func (s *Server) handleResourceCommand(w http.ResponseWriter, r *http.Request) {
	rr := s.loadResource(w, r)
	if rr == nil {
		return
	}
	var payload map[string]string
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}

	reply, err := s.resources.For(rr).SendCommand(r.Context(), command.New(r.PathValue("name"), payload))
	var execErr *command.ExecutionError
	switch {
	case errors.As(err, &execErr):
		writeJSON(w, http.StatusUnprocessableEntity, reply)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

func (s *Server) handleQuotaReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	almost, _ := strconv.ParseBool(q.Get("almost"))

	var (
		out any
		err error
	)
	switch q.Get("kind") {
	case "", "cpu":
		out, err = s.quotas.CPUReport(r.Context(), almost)
	case "disk":
		out, err = s.quotas.DiskReport(r.Context(), almost)
	default:
		http.Error(w, "kind must be cpu or disk", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("quota report", "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCPUQuota(w http.ResponseWriter, r *http.Request) {
	var q models.CpuQuota
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := quota.ValidateCPUQuota(&q); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := s.db.UpsertCpuQuota(r.Context(), &q); err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	s.quotas.Invalidate()
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleDiskQuota(w http.ResponseWriter, r *http.Request) {
	var q models.DiskQuota
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := quota.ValidateDiskQuota(&q); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := s.db.UpsertDiskQuota(r.Context(), &q); err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	s.quotas.Invalidate()
	writeJSON(w, http.StatusOK, q)
}
