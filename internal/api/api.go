package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/joescharf/tracker/internal/auth"
	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/policy"
	"github.com/joescharf/tracker/internal/stats"
	"github.com/joescharf/tracker/internal/store"
	"github.com/joescharf/tracker/internal/tracker"
)

// LoginPath is where unauthenticated clients are pointed.
const LoginPath = "/api/v1/login"

// Server provides the REST API handlers.
type Server struct {
	svc  *tracker.Service
	auth *auth.Authenticator
	log  *slog.Logger
}

// NewServer creates a new API server.
func NewServer(svc *tracker.Service, a *auth.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, auth: a, log: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/signup", s.signup)
	mux.HandleFunc("POST /api/v1/login", s.login)
	mux.HandleFunc("POST /api/v1/logout", s.logout)

	mux.HandleFunc("GET /api/v1/issues", s.listIssues)
	mux.HandleFunc("GET /api/v1/issues/mine", s.listMyIssues)
	mux.HandleFunc("GET /api/v1/issues/new", s.listNewIssues)
	mux.HandleFunc("POST /api/v1/issues", s.createIssue)
	mux.HandleFunc("GET /api/v1/issues/{id}", s.getIssue)
	mux.HandleFunc("PUT /api/v1/issues/{id}", s.updateIssue)
	mux.HandleFunc("DELETE /api/v1/issues/{id}", s.deleteIssue)

	mux.HandleFunc("GET /api/v1/stats", s.issueStats)

	mux.HandleFunc("GET /api/v1/statuses", s.listStatuses)
	mux.HandleFunc("POST /api/v1/statuses", s.createStatus)
	mux.HandleFunc("GET /api/v1/categories", s.listCategories)
	mux.HandleFunc("POST /api/v1/categories", s.createCategory)
	mux.HandleFunc("GET /api/v1/users", s.listUsers)

	return corsMiddleware(s.logRequests(s.auth.Middleware(mux)))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *tracker.ValidationError
	switch {
	case errors.Is(err, policy.ErrNotAuthenticated):
		w.Header().Set("WWW-Authenticate", `Bearer realm="tracker"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error(), "login_url": LoginPath})
	case errors.Is(err, policy.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": ve.Fields})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Accounts ---

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	u, err := s.auth.Signup(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, auth.ErrInvalidAccount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeServiceError(w, r, err)
		return
	}
	token, err := s.auth.IssueToken(r.Context(), u.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": u, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	token, u, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u, "token": token})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token == "" {
		s.writeServiceError(w, r, policy.ErrNotAuthenticated)
		return
	}
	if err := s.auth.Logout(r.Context(), token); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Issues ---

// issueList is the payload for list views. Stats is null until at least one
// listed issue has been closed.
type issueList struct {
	Issues []*models.Issue `json:"issues"`
	Stats  *stats.Summary  `json:"stats"`
}

func parseIssueFilter(r *http.Request) (store.IssueListFilter, error) {
	q := r.URL.Query()
	filter := store.IssueListFilter{
		AssigneeID: q.Get("assignee"),
		AuthorID:   q.Get("author"),
		State:      models.StatusState(q.Get("state")),
		Order:      store.IssueOrder(q.Get("order")),
	}
	if v := q.Get("status"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, errors.New("status must be a numeric id")
		}
		filter.StatusID = id
	}
	if v := q.Get("category"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, errors.New("category must be a numeric id")
		}
		filter.CategoryID = id
	}
	if filter.State != "" && !filter.State.Valid() {
		return filter, errors.New("state must be new, active or closed")
	}
	switch filter.Order {
	case "", store.OrderCreatedDesc, store.OrderCreatedAsc:
	default:
		return filter, errors.New("order must be created_desc or created_asc")
	}
	return filter, nil
}

func (s *Server) writeIssueList(w http.ResponseWriter, r *http.Request, issues []*models.Issue) {
	if issues == nil {
		issues = []*models.Issue{}
	}
	out := issueList{Issues: issues}

	summary, err := s.svc.Summarize(r.Context(), issues)
	var ie *stats.IntegrityError
	switch {
	case err == nil:
		out.Stats = summary
	case errors.Is(err, stats.ErrNoClosedIssues):
		// Nothing closed yet.
	case errors.As(err, &ie):
		s.log.WarnContext(r.Context(), "skipping stats", "error", err)
	default:
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	filter, err := parseIssueFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	issues, err := s.svc.List(r.Context(), auth.ActorFromContext(r.Context()), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeIssueList(w, r, issues)
}

func (s *Server) listMyIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.svc.Mine(r.Context(), auth.ActorFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeIssueList(w, r, issues)
}

func (s *Server) listNewIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.svc.New(r.Context(), auth.ActorFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeIssueList(w, r, issues)
}

func (s *Server) createIssue(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	// Check before decoding so anonymous callers get 401 regardless of body.
	if err := policy.Check(actor, policy.OpCreate); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var draft models.Issue
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	issue, err := s.svc.Create(r.Context(), actor, &draft)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/issues/"+issue.ID)
	writeJSON(w, http.StatusCreated, issue)
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.svc.Get(r.Context(), auth.ActorFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) updateIssue(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	if err := policy.Check(actor, policy.OpUpdate); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var patch tracker.IssuePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "no updatable fields in request")
		return
	}
	issue, err := s.svc.Update(r.Context(), actor, r.PathValue("id"), patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) deleteIssue(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), auth.ActorFromContext(r.Context()), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) issueStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseIssueFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.svc.Stats(r.Context(), auth.ActorFromContext(r.Context()), filter)
	var ie *stats.IntegrityError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, summary)
	case errors.Is(err, stats.ErrNoClosedIssues):
		writeJSON(w, http.StatusOK, map[string]any{"count": 0, "message": "no closed issues yet"})
	case errors.As(err, &ie):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeServiceError(w, r, err)
	}
}

// --- Reference data ---

func (s *Server) listStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.svc.ListStatuses(r.Context(), auth.ActorFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) createStatus(w http.ResponseWriter, r *http.Request) {
	var st models.Status
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.svc.CreateStatus(r.Context(), auth.ActorFromContext(r.Context()), &st); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.svc.ListCategories(r.Context(), auth.ActorFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	var c models.Category
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.svc.CreateCategory(r.Context(), auth.ActorFromContext(r.Context()), &c); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.ListUsers(r.Context(), auth.ActorFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
