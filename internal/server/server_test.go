package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/memoir/internal/guard"
	"github.com/felixgeelhaar/memoir/internal/memory"
	"github.com/felixgeelhaar/memoir/internal/provider"
	"github.com/felixgeelhaar/memoir/internal/store"
)

func newTestServer(t *testing.T, p provider.Provider, policy guard.Policy) (*httptest.Server, *store.SQLStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "memoir.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var opts []memory.Option
	if p != nil {
		opts = append(opts, memory.WithCompleter(provider.NewCompleter(p)))
	}
	e := memory.New(s, memory.DefaultConfig(), opts...)
	ts := httptest.NewServer(New(e, guard.New(policy), nil).Handler())
	t.Cleanup(ts.Close)
	return ts, s
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t, nil, guard.DefaultPolicy)
	if code := do(t, "GET", ts.URL+"/health", "", nil); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
}

func TestServer_TurnsAndRetrieval(t *testing.T) {
	ts, _ := newTestServer(t, nil, guard.DefaultPolicy)
	base := ts.URL + "/v1/users/alice"

	var turn turnResponse
	if code := do(t, "POST", base+"/turns", `{"text": "I use Python for programming. My editor is Vim."}`, &turn); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if len(turn.IDs) != 2 {
		t.Fatalf("Expected 2 ids, got %v", turn.IDs)
	}

	var got memoriesResponse
	if code := do(t, "GET", base+"/memories?q=python+tools&k=1", "", &got); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(got.Memories) != 1 || !strings.Contains(got.Memories[0].Content, "Python") {
		t.Fatalf("Unexpected retrieval: %+v", got.Memories)
	}
	if got.Memories[0].AccessCount != 1 {
		t.Errorf("Retrieval must touch the record, got access count %d", got.Memories[0].AccessCount)
	}

	var all memoriesResponse
	do(t, "GET", base+"/memories/all", "", &all)
	if len(all.Memories) != 2 {
		t.Errorf("Expected 2 memories, got %d", len(all.Memories))
	}

	var none memoriesResponse
	do(t, "GET", ts.URL+"/v1/users/bob/memories/all", "", &none)
	if none.Memories == nil || len(none.Memories) != 0 {
		t.Errorf("Expected empty list for another user, got %v", none.Memories)
	}
}

func TestServer_ValidationErrors(t *testing.T) {
	ts, _ := newTestServer(t, nil, guard.Policy{MaxUtteranceLength: 20, AllowedUserGlobs: []string{"*"}})
	base := ts.URL + "/v1/users/alice"

	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"blank text", "POST", "/turns", `{"text": "   "}`, http.StatusBadRequest},
		{"bad json", "POST", "/turns", `{`, http.StatusBadRequest},
		{"too long", "POST", "/turns", `{"text": "` + strings.Repeat("a", 21) + `"}`, http.StatusBadRequest},
		{"negative k", "GET", "/memories?q=x&k=-1", "", http.StatusBadRequest},
		{"non-numeric k", "GET", "/memories?k=two", "", http.StatusBadRequest},
		{"blank keyword", "DELETE", "/memories?match=", "", http.StatusBadRequest},
		{"unknown id", "DELETE", "/memories/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var e errorResponse
			if code := do(t, tc.method, base+tc.path, tc.body, &e); code != tc.want {
				t.Errorf("Expected %d, got %d (%s)", tc.want, code, e.Error)
			}
			if e.Error == "" {
				t.Errorf("Expected error message")
			}
		})
	}
}

func TestServer_ForbiddenUser(t *testing.T) {
	ts, _ := newTestServer(t, nil, guard.Policy{AllowedUserGlobs: []string{"team-*"}})
	if code := do(t, "GET", ts.URL+"/v1/users/mallory/stats", "", nil); code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", code)
	}
	if code := do(t, "GET", ts.URL+"/v1/users/team-a/stats", "", nil); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
}

func TestServer_Chat(t *testing.T) {
	stub := provider.NewStubProvider("Python it is.")
	ts, _ := newTestServer(t, stub, guard.DefaultPolicy)
	base := ts.URL + "/v1/users/alice"

	do(t, "POST", base+"/turns", `{"text": "I use Python"}`, nil)

	var out chatResponse
	body := `{"message": "Which language fits scripting? My shell is zsh.", "history": [{"role": "user", "text": "hi"}]}`
	if code := do(t, "POST", base+"/chat", body, &out); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if out.Reply != "Python it is." || len(out.Created) != 1 {
		t.Errorf("Unexpected chat response: %+v", out)
	}

	msgs := stub.Calls[0]
	if msgs[0].Role != provider.RoleSystem || !strings.Contains(msgs[0].Content, "- use Python") {
		t.Errorf("Memory context not injected: %+v", msgs[0])
	}
	if len(msgs) != 3 {
		t.Errorf("Expected system, history and user messages, got %d", len(msgs))
	}
}

func TestServer_ChatCompletionFailure(t *testing.T) {
	stub := provider.NewStubProvider()
	stub.Err = errors.New("upstream 429")
	ts, s := newTestServer(t, stub, guard.DefaultPolicy)

	var e struct {
		Error  string       `json:"error"`
		Result chatResponse `json:"result"`
	}
	code := do(t, "POST", ts.URL+"/v1/users/alice/chat", `{"message": "Remember that the launch is on Friday"}`, &e)
	if code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", code)
	}
	if !strings.Contains(e.Error, "upstream 429") || len(e.Result.Created) != 1 {
		t.Errorf("Unexpected body: %+v", e)
	}
	if n, _ := s.CountMemories(context.Background(), "alice"); n != 1 {
		t.Errorf("Memory must be recorded despite the failure, got %d", n)
	}
}

func TestServer_ChatWithoutProvider(t *testing.T) {
	ts, _ := newTestServer(t, nil, guard.DefaultPolicy)
	code := do(t, "POST", ts.URL+"/v1/users/alice/chat", `{"message": "I like tea"}`, nil)
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", code)
	}
}

func TestServer_Conversations(t *testing.T) {
	ts, s := newTestServer(t, provider.NewStubProvider("one", "two"), guard.DefaultPolicy)
	base := ts.URL + "/v1/users/alice/conversations"

	var first memory.ConverseResult
	if code := do(t, "POST", base, `{"message": "I like jazz"}`, &first); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	var second memory.ConverseResult
	do(t, "POST", base, fmt.Sprintf(`{"conversation_id": %q, "message": "and blues"}`, first.ConversationID), &second)
	if second.ConversationID != first.ConversationID || second.Reply != "two" {
		t.Errorf("Unexpected second turn: %+v", second)
	}
	conv, err := s.GetConversation(context.Background(), first.ConversationID)
	if err != nil || len(conv.Turns) != 4 {
		t.Errorf("Expected 4 persisted turns, got %v %v", conv, err)
	}

	code := do(t, "POST", ts.URL+"/v1/users/mallory/conversations",
		fmt.Sprintf(`{"conversation_id": %q, "message": "hi"}`, first.ConversationID), nil)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a foreign conversation, got %d", code)
	}
}

func TestServer_ForgetAndStats(t *testing.T) {
	ts, _ := newTestServer(t, nil, guard.DefaultPolicy)
	base := ts.URL + "/v1/users/alice"
	do(t, "POST", base+"/turns", `{"text": "I use Go. I use Rust. I like Python."}`, nil)

	var st memory.Stats
	do(t, "GET", base+"/stats", "", &st)
	if st.Total != 3 {
		t.Fatalf("Expected 3 memories, got %+v", st)
	}

	var del deleteResponse
	if code := do(t, "DELETE", base+"/memories?match=rust", "", &del); code != http.StatusOK || del.Deleted != 1 {
		t.Errorf("Forget: %d %+v", code, del)
	}

	var all memoriesResponse
	do(t, "GET", base+"/memories/all", "", &all)
	id := all.Memories[0].ID
	if code := do(t, "DELETE", base+"/memories/"+id, "", nil); code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", code)
	}

	do(t, "DELETE", base+"/memories?all=true", "", &del)
	if del.Deleted != 1 {
		t.Errorf("Expected 1 left to clear, got %+v", del)
	}

	var pruned deleteResponse
	if code := do(t, "POST", ts.URL+"/v1/admin/prune", "", &pruned); code != http.StatusOK {
		t.Errorf("Expected 200 from prune, got %d", code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&memory.ValidationError{Field: "user_id"}, http.StatusBadRequest},
		{&memory.StoreError{Op: "get", Err: store.ErrNotFound}, http.StatusNotFound},
		{&memory.StoreError{Op: "upsert", Err: errors.New("disk")}, http.StatusInternalServerError},
		{&memory.CompletionError{Err: errors.New("x")}, http.StatusBadGateway},
		{&memory.CompletionError{Err: memory.ErrNoCompleter}, http.StatusServiceUnavailable},
		{errors.Join(&memory.CompletionError{Err: errors.New("x")}, &memory.StoreError{Err: errors.New("y")}), http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestServer_RunShutsDown(t *testing.T) {
	srv := New(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0", 0) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}
