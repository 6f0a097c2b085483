// Package chat runs the interactive conversation loop. Plain lines are sent
// to the assistant; lines starting with "/" are commands.
package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/felixgeelhaar/memoir/internal/guard"
	"github.com/felixgeelhaar/memoir/internal/memory"
	"github.com/felixgeelhaar/memoir/internal/observe"
	"github.com/felixgeelhaar/memoir/internal/store"
	"github.com/felixgeelhaar/memoir/internal/ui"
)

// Engine is the slice of memory.Engine the loop drives.
type Engine interface {
	Converse(ctx context.Context, conversationID, userID, message string) (*memory.ConverseResult, error)
	ListMemories(ctx context.Context, userID string) ([]*store.MemoryRecord, error)
	RetrieveRelevant(ctx context.Context, userID, query string, topK int) ([]*store.MemoryRecord, error)
	Stats(ctx context.Context, userID string) (*memory.Stats, error)
	Forget(ctx context.Context, userID, keyword string) (int, error)
	Clear(ctx context.Context, userID string) (int, error)
}

// State tracks one interactive session.
type State struct {
	ConversationID string
	Turns          int
	Created        int
	Failures       int
	StartedAt      time.Time
}

// Session is a single user's conversation loop.
type Session struct {
	engine Engine
	userID string
	ui     ui.UI
	guard  *guard.Guard
	obs    *observe.Observer
	in     *bufio.Scanner
	prompt io.Writer
	state  State
}

// SearchLimit caps /search results.
const SearchLimit = 10

// ListLimit caps /memories output.
const ListLimit = 20

var demoMessages = []string{
	"I use Shram and Magnet as productivity tools",
	"My favorite programming language is Python",
	"I work at a tech startup",
	"I don't like using Microsoft Excel for data analysis",
	"Remember that I prefer VS Code as my editor",
}

const demoQuestion = "What are the productivity tools that I use?"

// NewSession reads lines from in and writes the prompt to prompt. conversationID
// may be empty to start a new conversation.
func NewSession(e Engine, userID, conversationID string, in io.Reader, prompt io.Writer, u ui.UI, g *guard.Guard, obs *observe.Observer) *Session {
	if u == nil {
		u = ui.SilentUI{}
	}
	if g == nil {
		g = guard.New(guard.DefaultPolicy)
	}
	if obs == nil {
		obs = observe.Nop()
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Session{
		engine: e,
		userID: userID,
		ui:     u,
		guard:  g,
		obs:    obs,
		in:     sc,
		prompt: prompt,
		state:  State{ConversationID: conversationID, StartedAt: time.Now()},
	}
}

// State returns a copy of the session counters.
func (s *Session) State() State {
	return s.state
}

// Run loops until /quit, end of input, or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if v := s.guard.CheckUser(s.userID); v != nil {
		return v
	}
	s.ui.UpdateStatus(fmt.Sprintf("memoir chat as %s. Type /help for commands.", s.userID))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.prompt != nil {
			fmt.Fprint(s.prompt, "> ")
		}
		if !s.in.Scan() {
			if err := s.in.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		if quit := s.Handle(ctx, line); quit {
			s.ui.UpdateStatus("Goodbye!")
			return nil
		}
	}
}

// Handle processes one input line and reports whether the loop should end.
func (s *Session) Handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		s.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return true
	case "help":
		s.help()
	case "memories":
		s.memories(ctx)
	case "search":
		s.search(ctx, arg)
	case "stats":
		s.stats(ctx)
	case "forget", "delete":
		s.forget(ctx, arg)
	case "clear":
		s.clear(ctx, arg)
	case "new":
		s.state.ConversationID = ""
		s.ui.Log("Started a new conversation.")
	case "demo":
		s.demo(ctx)
	default:
		s.ui.Log(fmt.Sprintf("Unknown command /%s. Type /help for commands.", cmd))
	}
	return false
}

func (s *Session) send(ctx context.Context, message string) {
	if v := s.guard.CheckUtterance(message); v != nil {
		s.ui.Log("Error: " + v.Message)
		return
	}

	res, err := s.engine.Converse(ctx, s.state.ConversationID, s.userID, message)
	if res != nil {
		s.state.ConversationID = res.ConversationID
		s.state.Turns++
		s.state.Created += len(res.Created)
		if res.Reply != "" {
			s.ui.Reply(res.Reply)
		}
		if n := len(res.Created); n > 0 {
			s.ui.Log(fmt.Sprintf("Created %d new %s from this message.", n, plural(n, "memory", "memories")))
		}
	}
	if err != nil {
		s.state.Failures++
		s.obs.Log().Warn().Err(err).Str("user", s.userID).Msg("chat turn failed")
		s.ui.Log("Error: " + err.Error())
		if errors.Is(err, memory.ErrNoCompleter) {
			s.ui.Log("No provider is configured; memories were still saved. See `memoir config set`.")
		}
	}
}

func (s *Session) help() {
	for _, line := range []string{
		"Type a message to chat. Facts about you are remembered automatically, e.g.",
		"  I use Go and Postgres / My editor is Vim / I don't like Excel / Remember that ...",
		"Commands:",
		"  /memories          list stored memories",
		"  /search <query>    show the memories most relevant to query",
		"  /stats             memory statistics",
		"  /forget <keyword>  delete memories containing keyword",
		"  /clear yes         delete all memories",
		"  /new               start a new conversation",
		"  /demo              run a short demonstration",
		"  /quit              exit",
	} {
		s.ui.Log(line)
	}
}

func (s *Session) memories(ctx context.Context) {
	recs, err := s.engine.ListMemories(ctx, s.userID)
	if err != nil {
		s.ui.Log("Error: " + err.Error())
		return
	}
	if len(recs) == 0 {
		s.ui.Log("No memories stored yet. Try chatting to create some!")
		return
	}
	s.ui.Log(fmt.Sprintf("Your memories (%d total):", len(recs)))
	for i, r := range recs {
		if i == ListLimit {
			s.ui.Log(fmt.Sprintf("... and %d more", len(recs)-ListLimit))
			break
		}
		s.ui.Log(describe(i+1, r))
	}
}

func (s *Session) search(ctx context.Context, query string) {
	if query == "" {
		s.ui.Log("Please provide a search query.")
		return
	}
	recs, err := s.engine.RetrieveRelevant(ctx, s.userID, query, SearchLimit)
	if err != nil {
		s.ui.Log("Error: " + err.Error())
		return
	}
	if len(recs) == 0 {
		s.ui.Log(fmt.Sprintf("No memories found for %q.", query))
		return
	}
	s.ui.Log(fmt.Sprintf("Results for %q (%d found):", query, len(recs)))
	for i, r := range recs {
		s.ui.Log(describe(i+1, r))
	}
}

func (s *Session) stats(ctx context.Context) {
	st, err := s.engine.Stats(ctx, s.userID)
	if err != nil {
		s.ui.Log("Error: " + err.Error())
		return
	}
	s.ui.Log(fmt.Sprintf("Memory statistics for %s:", s.userID))
	s.ui.Log(fmt.Sprintf("  Total memories:     %d", st.Total))
	s.ui.Log(fmt.Sprintf("  Average importance: %.2f", st.AverageImportance))
	s.ui.Log(fmt.Sprintf("  Recent (7 days):    %d", st.Recent))
	if st.MostAccessed != nil {
		s.ui.Log(fmt.Sprintf("  Most accessed:      %q (%d times)", st.MostAccessed.Content, st.MostAccessed.AccessCount))
	}
	s.ui.Log(fmt.Sprintf("  This session:       %d turns, %d memories created", s.state.Turns, s.state.Created))
}

func (s *Session) forget(ctx context.Context, keyword string) {
	if keyword == "" {
		s.ui.Log("Please provide a keyword to forget.")
		return
	}
	n, err := s.engine.Forget(ctx, s.userID, keyword)
	if err != nil {
		s.ui.Log("Error: " + err.Error())
		return
	}
	if n == 0 {
		s.ui.Log(fmt.Sprintf("No memories found containing %q.", keyword))
		return
	}
	s.ui.Log(fmt.Sprintf("Deleted %d %s containing %q.", n, plural(n, "memory", "memories"), keyword))
}

// clear needs "yes" as its argument so a stray /clear cannot wipe everything.
func (s *Session) clear(ctx context.Context, confirm string) {
	if !strings.EqualFold(confirm, "yes") {
		s.ui.Log("This deletes ALL your memories. Type /clear yes to confirm.")
		return
	}
	n, err := s.engine.Clear(ctx, s.userID)
	if err != nil {
		s.ui.Log("Error: " + err.Error())
		return
	}
	s.state.ConversationID = ""
	s.ui.Log(fmt.Sprintf("Deleted %d %s.", n, plural(n, "memory", "memories")))
}

func (s *Session) demo(ctx context.Context) {
	s.ui.UpdateStatus("Running demo...")
	for _, m := range demoMessages {
		s.ui.Log("You: " + m)
		s.send(ctx, m)
	}
	s.ui.Log("You: " + demoQuestion)
	s.send(ctx, demoQuestion)
	s.ui.UpdateStatus("Demo complete.")
}

func describe(n int, r *store.MemoryRecord) string {
	line := fmt.Sprintf("%d. %s  [importance %.2f, accessed %d, created %s]",
		n, r.Content, r.ImportanceScore, r.AccessCount, r.CreatedAt.Format("2006-01-02 15:04"))
	if len(r.Tags) > 0 {
		line += "  tags: " + strings.Join(r.Tags, ", ")
	}
	return line
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
