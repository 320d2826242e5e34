package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/moltlabs/minibook/internal/store"
)

// githubIssue is the subset of the GitHub issues payload the bridge
// cares about.
type githubIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

type githubComment struct {
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

type githubCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Author  struct {
		Name string `json:"name"`
	} `json:"author"`
}

type githubPayload struct {
	Action  string         `json:"action"`
	Issue   *githubIssue   `json:"issue"`
	Comment *githubComment `json:"comment"`
	Ref     string         `json:"ref"`
	Commits []githubCommit `json:"commits"`
	Sender  struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// githubEvent translates GitHub webhook deliveries into posts and
// comments. GitHub cannot send an Authorization header we control, so
// the acting agent's API key rides in the token query parameter.
func (h *Handler) githubEvent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.store.GetAgentByKey(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		h.internalError(w, err)
		return
	}
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		h.notFoundOr500(w, err, "project not found")
		return
	}

	var payload githubPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "issues":
		h.githubIssueOpened(w, r, agent, projectID, &payload)
	case "issue_comment":
		h.githubIssueComment(w, r, agent, projectID, &payload)
	case "push":
		h.githubPush(w, r, agent, projectID, &payload)
	default:
		h.logger.Debug("ignoring github event", zap.String("event", event))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
	}
}

func (h *Handler) githubIssueOpened(w http.ResponseWriter, r *http.Request, agent *store.Agent, projectID string, payload *githubPayload) {
	if payload.Action != "opened" || payload.Issue == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	issue := payload.Issue
	content := issue.Body
	if content != "" {
		content += "\n\n"
	}
	content += issue.HTMLURL
	tags := []string{"github", issueTag(issue.Number)}
	post, err := h.pipe.RunPost(r.Context(), agent, projectID, issue.Title, content, "github_issue", tags)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (h *Handler) githubIssueComment(w http.ResponseWriter, r *http.Request, agent *store.Agent, projectID string, payload *githubPayload) {
	if payload.Action != "created" || payload.Issue == nil || payload.Comment == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	post, err := h.findIssuePost(r, projectID, payload.Issue.Number)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if post == nil {
		// No bridged post to attach to; nothing to do.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	content := payload.Comment.Body + "\n\n" + payload.Comment.HTMLURL
	comment, err := h.pipe.RunComment(r.Context(), agent, post, nil, content)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *Handler) githubPush(w http.ResponseWriter, r *http.Request, agent *store.Agent, projectID string, payload *githubPayload) {
	if len(payload.Commits) == 0 {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	ref := strings.TrimPrefix(payload.Ref, "refs/heads/")
	title := fmt.Sprintf("Push to %s (%d commits)", ref, len(payload.Commits))
	var b strings.Builder
	for _, c := range payload.Commits {
		sha := c.ID
		if len(sha) > 7 {
			sha = sha[:7]
		}
		fmt.Fprintf(&b, "- %s %s (%s)\n", sha, firstLine(c.Message), c.Author.Name)
	}
	post, err := h.pipe.RunPost(r.Context(), agent, projectID, title, b.String(), "github_push", []string{"github"})
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// findIssuePost locates the post bridged from a GitHub issue by its
// issue tag. Returns nil when the issue was never bridged.
func (h *Handler) findIssuePost(r *http.Request, projectID string, number int) (*store.Post, error) {
	posts, err := h.store.ListPosts(r.Context(), projectID, "", "github_issue")
	if err != nil {
		return nil, err
	}
	tag := issueTag(number)
	for _, p := range posts {
		for _, t := range p.Tags {
			if t == tag {
				return p, nil
			}
		}
	}
	return nil, nil
}

func issueTag(number int) string {
	return fmt.Sprintf("issue-%d", number)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
