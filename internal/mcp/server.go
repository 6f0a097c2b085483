// Package mcp exposes the memory engine as Model Context Protocol tools so
// agent CLIs can remember and recall through memoir.
package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/memoir/internal/guard"
	"github.com/felixgeelhaar/memoir/internal/memory"
	"github.com/felixgeelhaar/memoir/internal/observe"
	"github.com/felixgeelhaar/memoir/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Engine is the slice of memory.Engine the tools call.
type Engine interface {
	RecordTurnDetailed(ctx context.Context, userID, utterance string) ([]*store.UpsertResult, error)
	RetrieveRelevant(ctx context.Context, userID, query string, topK int) ([]*store.MemoryRecord, error)
	ListMemories(ctx context.Context, userID string) ([]*store.MemoryRecord, error)
	Forget(ctx context.Context, userID, keyword string) (int, error)
	Stats(ctx context.Context, userID string) (*memory.Stats, error)
}

// Server answers tool calls for one default user. Calls may name another
// user, subject to the guard.
type Server struct {
	engine Engine
	guard  *guard.Guard
	obs    *observe.Observer
	userID string
	topK   int
	srv    *mcp.Server
}

// maxDigest caps each memory line in tool output.
const maxDigest = 200

type rememberParams struct {
	Text   string `json:"text" jsonschema:"What the user said; durable facts are extracted from it"`
	UserID string `json:"user_id,omitempty" jsonschema:"User to remember for; defaults to the server user"`
}

type recallParams struct {
	Query  string `json:"query" jsonschema:"What to look up"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"Maximum memories to return"`
	UserID string `json:"user_id,omitempty" jsonschema:"User to recall for; defaults to the server user"`
}

type forgetParams struct {
	Keyword string `json:"keyword" jsonschema:"Delete memories whose content or tags contain this"`
	UserID  string `json:"user_id,omitempty" jsonschema:"User to forget for; defaults to the server user"`
}

type userParams struct {
	UserID string `json:"user_id,omitempty" jsonschema:"User to inspect; defaults to the server user"`
}

func NewServer(e Engine, g *guard.Guard, obs *observe.Observer, userID string, topK int, version string) *Server {
	if g == nil {
		g = guard.New(guard.DefaultPolicy)
	}
	if obs == nil {
		obs = observe.Nop()
	}
	s := &Server{engine: e, guard: g, obs: obs, userID: userID, topK: topK}
	s.srv = mcp.NewServer(&mcp.Implementation{Name: "memoir", Version: version}, nil)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "remember",
		Description: "Extract and store durable facts about the user from an utterance",
	}, s.remember)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "recall",
		Description: "Return the user's memories most relevant to a query",
	}, s.recall)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "forget",
		Description: "Delete the user's memories matching a keyword",
	}, s.forget)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "list_memories",
		Description: "List all of the user's memories, most important first",
	}, s.list)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "memory_stats",
		Description: "Summarize the user's memories",
	}, s.stats)
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcp.Server {
	return s.srv
}

// Run serves on t until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	s.obs.Log().Info().Str("user", s.userID).Msg("starting memoir MCP server")
	return s.srv.Run(ctx, t)
}

func (s *Server) user(requested string) (string, error) {
	u := s.userID
	if requested != "" {
		u = requested
	}
	if v := s.guard.CheckUser(u); v != nil {
		return "", v
	}
	return u, nil
}

func text(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: msg}}}
}

// toolError reports err to the calling model instead of failing the call.
func (s *Server) toolError(tool string, err error) (*mcp.CallToolResult, any, error) {
	s.obs.Log().Warn().Err(err).Str("tool", tool).Msg("tool call failed")
	res := text("Error: " + err.Error())
	res.IsError = true
	return res, nil, nil
}

func digest(s string) string {
	if len(s) > maxDigest {
		return s[:maxDigest-3] + "..."
	}
	return s
}

func renderMemories(recs []*store.MemoryRecord, empty string) string {
	if len(recs) == 0 {
		return empty
	}
	var b strings.Builder
	for i, r := range recs {
		fmt.Fprintf(&b, "%d. %s (importance %.2f, id %s)\n", i+1, digest(r.Content), r.ImportanceScore, r.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) remember(ctx context.Context, _ *mcp.CallToolRequest, p rememberParams) (*mcp.CallToolResult, any, error) {
	userID, err := s.user(p.UserID)
	if err != nil {
		return s.toolError("remember", err)
	}
	if v := s.guard.CheckUtterance(p.Text); v != nil {
		return s.toolError("remember", v)
	}
	results, err := s.engine.RecordTurnDetailed(ctx, userID, p.Text)
	if err != nil {
		return s.toolError("remember", err)
	}
	if len(results) == 0 {
		return text("Nothing worth remembering found."), nil, nil
	}
	var lines []string
	for _, r := range results {
		verb := "Remembered"
		if !r.Created {
			verb = "Already known"
		}
		content := r.ID
		if r.Record != nil {
			content = r.Record.Content
		}
		lines = append(lines, verb+": "+digest(content))
	}
	return text(strings.Join(lines, "\n")), nil, nil
}

func (s *Server) recall(ctx context.Context, _ *mcp.CallToolRequest, p recallParams) (*mcp.CallToolResult, any, error) {
	userID, err := s.user(p.UserID)
	if err != nil {
		return s.toolError("recall", err)
	}
	k := p.TopK
	if k <= 0 {
		k = s.topK
	}
	recs, err := s.engine.RetrieveRelevant(ctx, userID, p.Query, s.guard.ClampTopK(k))
	if err != nil {
		return s.toolError("recall", err)
	}
	return text(renderMemories(recs, "No relevant memories.")), nil, nil
}

func (s *Server) forget(ctx context.Context, _ *mcp.CallToolRequest, p forgetParams) (*mcp.CallToolResult, any, error) {
	userID, err := s.user(p.UserID)
	if err != nil {
		return s.toolError("forget", err)
	}
	n, err := s.engine.Forget(ctx, userID, p.Keyword)
	if err != nil {
		return s.toolError("forget", err)
	}
	return text(fmt.Sprintf("Deleted %d memories matching %q.", n, p.Keyword)), nil, nil
}

func (s *Server) list(ctx context.Context, _ *mcp.CallToolRequest, p userParams) (*mcp.CallToolResult, any, error) {
	userID, err := s.user(p.UserID)
	if err != nil {
		return s.toolError("list_memories", err)
	}
	recs, err := s.engine.ListMemories(ctx, userID)
	if err != nil {
		return s.toolError("list_memories", err)
	}
	return text(renderMemories(recs, "No memories stored yet.")), nil, nil
}

func (s *Server) stats(ctx context.Context, _ *mcp.CallToolRequest, p userParams) (*mcp.CallToolResult, any, error) {
	userID, err := s.user(p.UserID)
	if err != nil {
		return s.toolError("memory_stats", err)
	}
	st, err := s.engine.Stats(ctx, userID)
	if err != nil {
		return s.toolError("memory_stats", err)
	}
	msg := fmt.Sprintf("Total memories: %d", st.Total)
	if st.Total > 0 {
		msg += fmt.Sprintf("\nAverage importance: %.2f\nCreated in the last 7 days: %d", st.AverageImportance, st.Recent)
		if st.MostAccessed != nil {
			msg += fmt.Sprintf("\nMost accessed: %s (%d times)", digest(st.MostAccessed.Content), st.MostAccessed.AccessCount)
		}
	}
	return text(msg), nil, nil
}
