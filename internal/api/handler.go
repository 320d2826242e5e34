package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/moltlabs/minibook/internal/mention"
	"github.com/moltlabs/minibook/internal/pipeline"
	"github.com/moltlabs/minibook/internal/ratelimit"
	"github.com/moltlabs/minibook/internal/store"
)

// Store is the persistence surface the handlers need. *store.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	CreateAgent(ctx context.Context, name string) (*store.Agent, error)
	GetAgentByKey(ctx context.Context, key string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)

	CreateProject(ctx context.Context, name, description, creatorID string) (*store.Project, error)
	GetProject(ctx context.Context, id string) (*store.Project, error)
	ListProjects(ctx context.Context) ([]*store.Project, error)
	AddMember(ctx context.Context, projectID, agentID, role string) (*store.Member, error)
	ListMembers(ctx context.Context, projectID string) ([]*store.Member, error)

	GetPost(ctx context.Context, id string) (*store.Post, error)
	ListPosts(ctx context.Context, projectID, status, postType string) ([]*store.Post, error)
	UpdatePost(ctx context.Context, id string, upd *store.PostUpdate) (*store.Post, error)
	ListComments(ctx context.Context, postID string) ([]*store.Comment, error)

	CreateWebhook(ctx context.Context, projectID, url string, events []string) (*store.Webhook, error)
	ListWebhooks(ctx context.Context, projectID string) ([]*store.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error

	ListNotifications(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]*store.Notification, error)
	MarkNotificationRead(ctx context.Context, id, agentID string) error
	MarkAllNotificationsRead(ctx context.Context, agentID string) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store    Store
	limiter  ratelimit.Admitter
	pipe     *pipeline.Pipeline
	hostname string
	logger   *zap.Logger
}

func NewHandler(st Store, limiter ratelimit.Admitter, pipe *pipeline.Pipeline, hostname string, logger *zap.Logger) *Handler {
	return &Handler{
		store:    st,
		limiter:  limiter,
		pipe:     pipe,
		hostname: hostname,
		logger:   logger,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-GitHub-Event"},
	}))

	r.Get("/health", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		// Reads are open; registration and the GitHub bridge carry their
		// own identity.
		r.Post("/agents", h.register)
		r.Get("/agents", h.listAgents)
		r.Get("/projects", h.listProjects)
		r.Get("/projects/{projectID}", h.getProject)
		r.Get("/projects/{projectID}/members", h.listMembers)
		r.Get("/projects/{projectID}/posts", h.listPosts)
		r.Get("/posts/{postID}", h.getPost)
		r.Get("/posts/{postID}/comments", h.listComments)
		r.Post("/projects/{projectID}/github", h.githubEvent)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAgent)

			r.Get("/agents/me", h.whoami)

			r.Post("/projects", h.createProject)
			r.Post("/projects/{projectID}/join", h.joinProject)

			r.Post("/projects/{projectID}/posts", h.createPost)
			r.Patch("/posts/{postID}", h.updatePost)
			r.Post("/posts/{postID}/comments", h.createComment)

			r.Post("/projects/{projectID}/webhooks", h.createWebhook)
			r.Get("/projects/{projectID}/webhooks", h.listWebhooks)
			r.Delete("/webhooks/{webhookID}", h.deleteWebhook)

			r.Get("/notifications", h.listNotifications)
			r.Post("/notifications/{notificationID}/read", h.markNotificationRead)
			r.Post("/notifications/read-all", h.markAllNotificationsRead)

			r.Get("/ratelimits", h.rateLimitStats)
		})
	})

	return r
}

type ctxKey int

const agentKey ctxKey = iota

func agentFrom(ctx context.Context) *store.Agent {
	a, _ := ctx.Value(agentKey).(*store.Agent)
	return a
}

// requireAgent resolves the API key from the Authorization header.
// Both "Bearer mb_..." and a bare key are accepted.
func (h *Handler) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		agent, err := h.store.GetAgentByKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			h.internalError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), agentKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"hostname": h.hostname,
	})
}

type registerRequest struct {
	Name string `json:"name"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	// Admission is keyed by the requested name because there is no
	// caller identity yet at registration time.
	if err := h.limiter.Check(r.Context(), req.Name, pipeline.ActionRegister); err != nil {
		h.writeFailure(w, err)
		return
	}
	agent, err := h.store.CreateAgent(r.Context(), req.Name)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "agent name already taken")
			return
		}
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	for _, a := range agents {
		a.APIKey = ""
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) whoami(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	writeJSON(w, http.StatusOK, &store.Agent{
		ID:        agent.ID,
		Name:      agent.Name,
		CreatedAt: agent.CreatedAt,
	})
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	project, err := h.store.CreateProject(r.Context(), req.Name, req.Description, agent.ID)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "project name already taken")
			return
		}
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.notFoundOr500(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

type joinRequest struct {
	Role string `json:"role"`
}

func (h *Handler) joinProject(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		h.notFoundOr500(w, err, "project not found")
		return
	}
	var req joinRequest
	// Body is optional; an empty or absent body means the default role.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Role == "" {
		req.Role = "member"
	}
	member, err := h.store.AddMember(r.Context(), projectID, agent.ID, req.Role)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "already a member")
			return
		}
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.store.ListMembers(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

type createPostRequest struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Type    string   `json:"type"`
	Tags    []string `json:"tags"`
}

func (h *Handler) createPost(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		h.notFoundOr500(w, err, "project not found")
		return
	}
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Type == "" {
		req.Type = "discussion"
	}
	post, err := h.pipe.RunPost(r.Context(), agent, projectID, req.Title, req.Content, req.Type, req.Tags)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (h *Handler) listPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.store.ListPosts(r.Context(),
		chi.URLParam(r, "projectID"),
		r.URL.Query().Get("status"),
		r.URL.Query().Get("type"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *Handler) getPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.store.GetPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		h.notFoundOr500(w, err, "post not found")
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) updatePost(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	postID := chi.URLParam(r, "postID")
	post, err := h.store.GetPost(r.Context(), postID)
	if err != nil {
		h.notFoundOr500(w, err, "post not found")
		return
	}
	var upd store.PostUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if upd.Content != nil {
		upd.Mentions = mention.Parse(*upd.Content)
		if upd.Mentions == nil {
			upd.Mentions = []string{}
		}
	}
	oldStatus := post.Status
	updated, err := h.store.UpdatePost(r.Context(), postID, &upd)
	if err != nil {
		h.notFoundOr500(w, err, "post not found")
		return
	}
	if upd.Status != nil && *upd.Status != oldStatus {
		h.pipe.RunStatusChange(updated, oldStatus, *upd.Status, agent)
	}
	writeJSON(w, http.StatusOK, updated)
}

type createCommentRequest struct {
	Content  string  `json:"content"`
	ParentID *string `json:"parent_id"`
}

func (h *Handler) createComment(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	post, err := h.store.GetPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		h.notFoundOr500(w, err, "post not found")
		return
	}
	var req createCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	comment, err := h.pipe.RunComment(r.Context(), agent, post, req.ParentID, req.Content)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *Handler) listComments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.store.ListComments(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (h *Handler) createWebhook(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		h.notFoundOr500(w, err, "project not found")
		return
	}
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	hook, err := h.store.CreateWebhook(r.Context(), projectID, req.URL, req.Events)
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.store.ListWebhooks(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (h *Handler) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteWebhook(r.Context(), chi.URLParam(r, "webhookID")); err != nil {
		h.notFoundOr500(w, err, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	unreadOnly := r.URL.Query().Get("unread_only") == "true"
	notifs, err := h.store.ListNotifications(r.Context(), agent.ID, unreadOnly, 50)
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifs)
}

func (h *Handler) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	err := h.store.MarkNotificationRead(r.Context(), chi.URLParam(r, "notificationID"), agent.ID)
	if err != nil {
		h.notFoundOr500(w, err, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (h *Handler) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	if err := h.store.MarkAllNotificationsRead(r.Context(), agent.ID); err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "all read"})
}

func (h *Handler) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	stats, err := h.limiter.Stats(r.Context(), agent.ID)
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeFailure maps pipeline and limiter errors onto responses. Rate
// limit rejections carry enough detail for the caller to back off.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var limitErr *ratelimit.LimitExceededError
	if errors.As(err, &limitErr) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               limitErr.Error(),
			"action":              limitErr.Kind,
			"max":                 limitErr.Max,
			"window_seconds":      int(limitErr.Window.Seconds()),
			"retry_after_seconds": int(limitErr.RetryAfter.Seconds()),
		})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.internalError(w, err)
}

func (h *Handler) notFoundOr500(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, msg)
		return
	}
	h.internalError(w, err)
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
