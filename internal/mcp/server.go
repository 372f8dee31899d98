package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/samber/lo"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/stats"
	"github.com/joescharf/tracker/internal/store"
	"github.com/joescharf/tracker/internal/tracker"
)

// Server exposes the issue tracker as MCP tools. Every call runs as actor,
// so the access policy applies exactly as it does over HTTP.
type Server struct {
	svc     *tracker.Service
	actor   *models.Actor
	version string
}

// NewServer creates the MCP server wrapper acting as actor.
func NewServer(svc *tracker.Service, actor *models.Actor, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{svc: svc, actor: actor, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("tracker", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listIssuesTool())
	srv.AddTool(s.getIssueTool())
	srv.AddTool(s.createIssueTool())
	srv.AddTool(s.updateIssueTool())
	srv.AddTool(s.issueStatsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type issueOut struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Category    string `json:"category"`
	Author      string `json:"author"`
	Assignee    string `json:"assignee,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	ClosedAt    string `json:"closed_at,omitempty"`
}

func toIssueOut(issue *models.Issue) issueOut {
	out := issueOut{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Status:      issue.StatusName,
		Category:    issue.CategoryName,
		Author:      issue.AuthorName,
		Assignee:    issue.AssigneeName,
		CreatedAt:   issue.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   issue.UpdatedAt.Format(time.RFC3339),
	}
	if issue.ClosedAt != nil {
		out.ClosedAt = issue.ClosedAt.Format(time.RFC3339)
	}
	return out
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// tracker_list_issues
func (s *Server) listIssuesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tracker_list_issues",
		mcp.WithDescription("List issues, newest first. Optionally filter by status name, category name, assignee username, or state (new, active, closed). Returns a JSON array of issues."),
		mcp.WithString("status", mcp.Description("Status name to filter by")),
		mcp.WithString("category", mcp.Description("Category name to filter by")),
		mcp.WithString("assignee", mcp.Description("Assignee username to filter by")),
		mcp.WithString("state", mcp.Description("State filter: new, active, closed")),
	)
	return tool, s.handleListIssues
}

func (s *Server) handleListIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter, err := s.filterFromRequest(ctx, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issues, err := s.svc.List(ctx, s.actor, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list issues: %v", err)), nil
	}

	out := make([]issueOut, len(issues))
	for i, issue := range issues {
		out[i] = toIssueOut(issue)
	}
	return jsonResult(out, "issues")
}

// tracker_get_issue
func (s *Server) getIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tracker_get_issue",
		mcp.WithDescription("Get a single issue by ID."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID")),
	)
	return tool, s.handleGetIssue
}

func (s *Server) handleGetIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}

	issue, err := s.svc.Get(ctx, s.actor, issueID)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("issue not found: %s", issueID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get issue: %v", err)), nil
	}
	return jsonResult(toIssueOut(issue), "issue")
}

// tracker_create_issue
func (s *Server) createIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tracker_create_issue",
		mcp.WithDescription("Create a new issue. Status defaults to the initial status and category to the configured default. Returns the created issue as JSON."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Issue title")),
		mcp.WithString("description", mcp.Description("Issue description")),
		mcp.WithString("status", mcp.Description("Status name")),
		mcp.WithString("category", mcp.Description("Category name")),
		mcp.WithString("assignee", mcp.Description("Assignee username")),
	)
	return tool, s.handleCreateIssue
}

func (s *Server) handleCreateIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}

	draft := &models.Issue{
		Title:       title,
		Description: request.GetString("description", ""),
	}
	if name := request.GetString("status", ""); name != "" {
		st, err := s.statusByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		draft.StatusID = st.ID
	}
	if name := request.GetString("category", ""); name != "" {
		c, err := s.categoryByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		draft.CategoryID = c.ID
	}
	if name := request.GetString("assignee", ""); name != "" {
		u, err := s.userByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		draft.AssigneeID = u.ID
	}

	issue, err := s.svc.Create(ctx, s.actor, draft)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create issue: %v", err)), nil
	}
	return jsonResult(toIssueOut(issue), "issue")
}

// tracker_update_issue
func (s *Server) updateIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tracker_update_issue",
		mcp.WithDescription("Update an existing issue. Provide the issue ID and at least one field to change. Moving an issue into the closed status records its closing time. Returns the updated issue as JSON."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID")),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("status", mcp.Description("New status name")),
		mcp.WithString("category", mcp.Description("New category name")),
		mcp.WithString("assignee", mcp.Description("New assignee username, or \"none\" to unassign")),
	)
	return tool, s.handleUpdateIssue
}

func (s *Server) handleUpdateIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}

	var patch tracker.IssuePatch
	if title := request.GetString("title", ""); title != "" {
		patch.Title = &title
	}
	if desc := request.GetString("description", ""); desc != "" {
		patch.Description = &desc
	}
	if name := request.GetString("status", ""); name != "" {
		st, err := s.statusByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		patch.StatusID = &st.ID
	}
	if name := request.GetString("category", ""); name != "" {
		c, err := s.categoryByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		patch.CategoryID = &c.ID
	}
	if name := request.GetString("assignee", ""); name != "" {
		var assignee string
		if !strings.EqualFold(name, "none") {
			u, err := s.userByName(ctx, name)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			assignee = u.ID
		}
		patch.AssigneeID = &assignee
	}

	if patch.Empty() {
		return mcp.NewToolResultError("no fields provided to update; specify at least one of: title, description, status, category, assignee"), nil
	}

	issue, err := s.svc.Update(ctx, s.actor, issueID, patch)
	var ve *tracker.ValidationError
	if errors.Is(err, store.ErrNotFound) && !errors.As(err, &ve) {
		return mcp.NewToolResultError(fmt.Sprintf("issue not found: %s", issueID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update issue: %v", err)), nil
	}
	return jsonResult(toIssueOut(issue), "issue")
}

// tracker_issue_stats
func (s *Server) issueStatsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tracker_issue_stats",
		mcp.WithDescription("Summarize how long closed issues took to resolve: count plus minimum, average and maximum time from creation to closing. Accepts the same filters as tracker_list_issues."),
		mcp.WithString("status", mcp.Description("Status name to filter by")),
		mcp.WithString("category", mcp.Description("Category name to filter by")),
		mcp.WithString("assignee", mcp.Description("Assignee username to filter by")),
		mcp.WithString("state", mcp.Description("State filter: new, active, closed")),
	)
	return tool, s.handleIssueStats
}

func (s *Server) handleIssueStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter, err := s.filterFromRequest(ctx, request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	summary, err := s.svc.Stats(ctx, s.actor, filter)
	if errors.Is(err, stats.ErrNoClosedIssues) {
		return jsonResult(map[string]any{"count": 0, "message": "no closed issues yet"}, "stats")
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute stats: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"count":       summary.Count,
		"min":         summary.Min.String(),
		"avg":         summary.Avg.String(),
		"max":         summary.Max.String(),
		"min_seconds": summary.Min.Seconds(),
		"avg_seconds": summary.Avg.Seconds(),
		"max_seconds": summary.Max.Seconds(),
	}, "stats")
}

// ---------------------------------------------------------------------------
// Name resolution
// ---------------------------------------------------------------------------

func (s *Server) filterFromRequest(ctx context.Context, request mcp.CallToolRequest) (store.IssueListFilter, error) {
	filter := store.IssueListFilter{}

	if name := request.GetString("status", ""); name != "" {
		st, err := s.statusByName(ctx, name)
		if err != nil {
			return filter, err
		}
		filter.StatusID = st.ID
	}
	if name := request.GetString("category", ""); name != "" {
		c, err := s.categoryByName(ctx, name)
		if err != nil {
			return filter, err
		}
		filter.CategoryID = c.ID
	}
	if name := request.GetString("assignee", ""); name != "" {
		u, err := s.userByName(ctx, name)
		if err != nil {
			return filter, err
		}
		filter.AssigneeID = u.ID
	}
	if state := request.GetString("state", ""); state != "" {
		filter.State = models.StatusState(state)
		if !filter.State.Valid() {
			return filter, fmt.Errorf("invalid state %q: use new, active or closed", state)
		}
	}
	return filter, nil
}

func (s *Server) statusByName(ctx context.Context, name string) (*models.Status, error) {
	statuses, err := s.svc.ListStatuses(ctx, s.actor)
	if err != nil {
		return nil, err
	}
	st, ok := lo.Find(statuses, func(st *models.Status) bool { return strings.EqualFold(st.Name, name) })
	if !ok {
		return nil, fmt.Errorf("status not found: %s", name)
	}
	return st, nil
}

func (s *Server) categoryByName(ctx context.Context, name string) (*models.Category, error) {
	categories, err := s.svc.ListCategories(ctx, s.actor)
	if err != nil {
		return nil, err
	}
	c, ok := lo.Find(categories, func(c *models.Category) bool { return strings.EqualFold(c.Name, name) })
	if !ok {
		return nil, fmt.Errorf("category not found: %s", name)
	}
	return c, nil
}

func (s *Server) userByName(ctx context.Context, name string) (*models.User, error) {
	users, err := s.svc.ListUsers(ctx, s.actor)
	if err != nil {
		return nil, err
	}
	u, ok := lo.Find(users, func(u *models.User) bool { return u.Username == name })
	if !ok {
		return nil, fmt.Errorf("user not found: %s", name)
	}
	return u, nil
}
