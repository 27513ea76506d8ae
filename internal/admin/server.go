// Package admin serves the authenticated HTTP admin API of pools and
// pool managers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/diskpool/diskpool/internal/logging/audit"
	"github.com/diskpool/diskpool/internal/metrics"
	"github.com/diskpool/diskpool/internal/pool"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/space"
	"github.com/diskpool/diskpool/internal/poolmgr"
	"github.com/diskpool/diskpool/pkg/bytesize"
)

// Config contains configuration for a Server.
type Config struct {
	Logger  zerolog.Logger
	Listen  string
	Auth    *TokenAuth
	Audit   *audit.Logger    // optional
	Pool    *pool.Pool       // optional
	Manager *poolmgr.Manager // optional
	Metrics http.Handler     // defaults to metrics.Handler()
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	audit  *audit.Logger
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates an admin server. Routes are registered for whichever
// of the pool and the manager are set.
func NewServer(cfg Config) *Server {
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Handler()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "admin").Logger(),
		audit:  cfg.Audit,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", cfg.Metrics)

	if cfg.Pool != nil {
		s.mux.HandleFunc("GET /api/v1/pool", s.withAuth(s.handlePoolInfo))
		s.mux.HandleFunc("PUT /api/v1/pool/mode", s.withAuth(s.handleSetMode))
		s.mux.HandleFunc("PUT /api/v1/pool/space", s.withAuth(s.handleSetSpace))
		s.mux.HandleFunc("GET /api/v1/replicas", s.withAuth(s.handleListReplicas))
		s.mux.HandleFunc("GET /api/v1/replicas/{id}", s.withAuth(s.handleGetReplica))
		s.mux.HandleFunc("DELETE /api/v1/replicas/{id}", s.withAuth(s.handleRemoveReplica))
		s.mux.HandleFunc("POST /api/v1/replicas/{id}/sticky", s.withAuth(s.handleAddSticky))
		s.mux.HandleFunc("DELETE /api/v1/replicas/{id}/sticky/{owner}", s.withAuth(s.handleRemoveSticky))
		s.mux.HandleFunc("GET /api/v1/migrations", s.withAuth(s.handleListMigrations))
		s.mux.HandleFunc("POST /api/v1/migrations", s.withAuth(s.handleStartMigration))
		s.mux.HandleFunc("GET /api/v1/migrations/{id}", s.withAuth(s.handleGetMigration))
		s.mux.HandleFunc("POST /api/v1/migrations/{id}/{action}", s.withAuth(s.handleMigrationAction))
		s.mux.HandleFunc("PUT /api/v1/migrations/{id}/concurrency", s.withAuth(s.handleSetConcurrency))
	}
	if cfg.Manager != nil {
		s.mux.HandleFunc("GET /api/v1/pools", s.withAuth(s.handleListPools))
		s.mux.HandleFunc("GET /api/v1/pools/{name}", s.withAuth(s.handleGetPool))
	}
	return s
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin server listening")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type subjectKey struct{}

// withAuth requires a valid bearer token and records the outcome.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.audit.LogAuth("", "bearer", "denied", "missing authorization header", ip)
			jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.audit.LogAuth("", "bearer", "denied", "invalid authorization header", ip)
			jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		claims, err := s.cfg.Auth.Validate(parts[1])
		if err != nil {
			s.audit.LogAuth("", "bearer", "denied", err.Error(), ip)
			jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		s.audit.LogAuth(claims.Subject, "bearer", "allowed", r.Method+" "+r.URL.Path, ip)
		ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
		next(w, r.WithContext(ctx))
	}
}

func actor(r *http.Request) string {
	if s, ok := r.Context().Value(subjectKey{}).(string); ok {
		return s
	}
	return "unknown"
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handlePoolInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Pool.Info())
}

// ModeRequest changes the pool mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := mode.Parse(req.Mode)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Pool.SetMode(actor(r), m); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Pool.Info())
}

// SpaceRequest changes the pool capacity. Total is a byte size such as
// "500GiB".
type SpaceRequest struct {
	Total string `json:"total"`
}

func (s *Server) handleSetSpace(w http.ResponseWriter, r *http.Request) {
	var req SpaceRequest
	if !decode(w, r, &req) {
		return
	}
	total, err := bytesize.Parse(req.Total)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Pool.SetTotalSpace(actor(r), total); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Pool.Usage())
}

func (s *Server) handleListReplicas(w http.ResponseWriter, r *http.Request) {
	var filter func(repository.Entry) bool
	if name := r.URL.Query().Get("state"); name != "" {
		st, err := repository.ParseState(name)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = func(e repository.Entry) bool { return e.State == st }
	}
	entries := make([]repository.Entry, 0)
	for _, e := range s.cfg.Pool.Repository().List() {
		if filter == nil || filter(e) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetReplica(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfg.Pool.Repository().Get(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRemoveReplica(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Pool.Remove(actor(r), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StickyRequest adds a sticky record. Lifetime is a duration; empty
// means the record never expires.
type StickyRequest struct {
	Owner    string `json:"owner"`
	Lifetime string `json:"lifetime,omitempty"`
}

func (s *Server) handleAddSticky(w http.ResponseWriter, r *http.Request) {
	var req StickyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Owner == "" {
		jsonError(w, "owner is required", http.StatusBadRequest)
		return
	}
	var expires time.Time
	if req.Lifetime != "" {
		d, err := time.ParseDuration(req.Lifetime)
		if err != nil || d <= 0 {
			jsonError(w, "invalid lifetime", http.StatusBadRequest)
			return
		}
		expires = time.Now().Add(d)
	}
	e, err := s.cfg.Pool.AddSticky(actor(r), r.PathValue("id"), req.Owner, expires)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRemoveSticky(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfg.Pool.RemoveSticky(actor(r), r.PathValue("id"), r.PathValue("owner"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) engine(w http.ResponseWriter) *migration.Engine {
	e := s.cfg.Pool.Migration()
	if e == nil {
		jsonError(w, pool.ErrNoTransport.Error(), http.StatusServiceUnavailable)
	}
	return e
}

func (s *Server) handleListMigrations(w http.ResponseWriter, _ *http.Request) {
	e := s.engine(w)
	if e == nil {
		return
	}
	writeJSON(w, http.StatusOK, e.Jobs())
}

func (s *Server) handleStartMigration(w http.ResponseWriter, r *http.Request) {
	e := s.engine(w)
	if e == nil {
		return
	}
	var spec migration.Spec
	if !decode(w, r, &spec) {
		return
	}
	def, err := spec.Definition()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	id, err := e.Start(def)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit.LogMigration(actor(r), s.cfg.Pool.Name(), id, "create", strings.Join(spec.Targets, ","))
	info, err := e.Job(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	e := s.engine(w)
	if e == nil {
		return
	}
	info, err := e.Job(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMigrationAction(w http.ResponseWriter, r *http.Request) {
	e := s.engine(w)
	if e == nil {
		return
	}
	id := r.PathValue("id")
	action := r.PathValue("action")
	var err error
	switch action {
	case "cancel":
		err = e.Cancel(id, false)
	case "cancel-force":
		err = e.Cancel(id, true)
	case "suspend":
		err = e.Suspend(id)
	case "resume":
		err = e.Resume(id)
	case "refresh":
		err = e.RefreshTargets(id)
	case "clear":
		if err = e.Clear(id); err == nil {
			s.audit.LogMigration(actor(r), s.cfg.Pool.Name(), id, action, "")
			w.WriteHeader(http.StatusNoContent)
			return
		}
	default:
		jsonError(w, "unknown action: "+action, http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit.LogMigration(actor(r), s.cfg.Pool.Name(), id, action, "")
	info, err := e.Job(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ConcurrencyRequest changes the number of concurrent transfers of a job.
type ConcurrencyRequest struct {
	Concurrency int `json:"concurrency"`
}

func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	e := s.engine(w)
	if e == nil {
		return
	}
	var req ConcurrencyRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := e.SetConcurrency(id, req.Concurrency); err != nil {
		s.writeErr(w, err)
		return
	}
	info, err := e.Job(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// PoolSummary is one pool known to a manager.
type PoolSummary struct {
	Name      string    `json:"name"`
	Mode      string    `json:"mode"`
	Total     int64     `json:"total"`
	Used      int64     `json:"used"`
	Removable int64     `json:"removable"`
	SpaceCost float64   `json:"space_cost"`
	Updated   time.Time `json:"updated"`
}

func (s *Server) handleListPools(w http.ResponseWriter, _ *http.Request) {
	infos := s.cfg.Manager.Registry().All()
	pools := make([]PoolSummary, 0, len(infos))
	for _, info := range infos {
		pools = append(pools, PoolSummary{
			Name:      info.Name,
			Mode:      info.Mode.String(),
			Total:     info.Space.Total,
			Used:      info.Space.Used,
			Removable: info.Space.Removable,
			SpaceCost: info.SpaceCost(),
			Updated:   info.Time,
		})
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	info, err := s.cfg.Manager.PoolCost(r.PathValue("name"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// statusCodes maps domain errors to HTTP status codes.
var statusCodes = []struct {
	err  error
	code int
}{
	{repository.ErrNotFound, http.StatusNotFound},
	{migration.ErrJobNotFound, http.StatusNotFound},
	{migration.ErrUnknownPool, http.StatusNotFound},
	{migration.ErrInvalidJob, http.StatusBadRequest},
	{migration.ErrNoTargets, http.StatusBadRequest},
	{space.ErrInvalidSize, http.StatusBadRequest},
	{migration.ErrInvalidJobState, http.StatusConflict},
	{repository.ErrInvalidStateTransition, http.StatusConflict},
	{repository.ErrInvalidState, http.StatusConflict},
	{mode.ErrPoolDead, http.StatusConflict},
	{pool.ErrPoolDisabled, http.StatusServiceUnavailable},
	{repository.ErrClosed, http.StatusServiceUnavailable},
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	for _, c := range statusCodes {
		if errors.Is(err, c.err) {
			jsonError(w, err.Error(), c.code)
			return
		}
	}
	s.logger.Error().Err(err).Msg("Admin request failed")
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of failed requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
