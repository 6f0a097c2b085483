package memory

import (
	"context"
	"errors"

	"github.com/felixgeelhaar/memoir/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// Roles used in conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type namer interface {
	Name() string
}

type chatOutcome struct {
	reply    string
	created  []string
	storeErr error
	complErr error
}

func (o chatOutcome) err() error {
	return errors.Join(o.complErr, o.storeErr)
}

// ChatWithMemory answers message with the user's relevant memories in the
// system prompt, then records memories from message. Recording happens even
// when the completion fails; created lists only newly created memory ids.
// A failed completion surfaces as *CompletionError and a failed write as
// *StoreError; both may be present, joined.
func (e *Engine) ChatWithMemory(ctx context.Context, userID, message string, history []store.Turn) (string, []string, error) {
	if err := validateUser(userID); err != nil {
		return "", nil, err
	}
	if err := validateText("message", message); err != nil {
		return "", nil, err
	}
	out := e.chat(ctx, userID, message, history)
	return out.reply, out.created, out.err()
}

func (e *Engine) chat(ctx context.Context, userID, message string, history []store.Turn) (out chatOutcome) {
	ctx, span := e.obs.StartSpan(ctx, "memory.ChatWithMemory", attribute.String("user_id", userID))
	defer func() { e.obs.EndSpan(span, out.err()) }()

	var storeErrs []error
	memories, err := e.RetrieveRelevant(ctx, userID, message, e.cfg.ContextTopK)
	if err != nil {
		// Answer without context rather than not at all.
		storeErrs = append(storeErrs, err)
		memories = nil
	}

	system := e.cfg.SystemPrompt
	if block := FormatContext(memories); block != "" {
		if system != "" {
			system += "\n\n"
		}
		system += block
	}

	out.reply, out.complErr = e.complete(ctx, system, history, message)
	if out.complErr != nil {
		e.obs.Log().Warn().Err(out.complErr).Str("user", userID).Msg("completion failed; recording memories anyway")
		e.bus.PublishWithData(EventCompletionFailed, userID, map[string]interface{}{"error": out.complErr.Error()})
	}

	results, err := e.RecordTurnDetailed(ctx, userID, message)
	if err != nil {
		storeErrs = append(storeErrs, err)
	}
	for _, r := range results {
		if r.Created {
			out.created = append(out.created, r.ID)
		}
	}
	out.storeErr = errors.Join(storeErrs...)
	span.SetAttributes(attribute.Int("created", len(out.created)))
	return out
}

func (e *Engine) complete(ctx context.Context, system string, history []store.Turn, message string) (string, error) {
	if e.completer == nil {
		return "", &CompletionError{Err: ErrNoCompleter}
	}
	reply, err := e.completer.Complete(ctx, system, history, message)
	if err != nil {
		ce := &CompletionError{Err: err}
		if n, ok := e.completer.(namer); ok {
			ce.Provider = n.Name()
		}
		return "", ce
	}
	return reply, nil
}

// ConverseResult is the outcome of one Converse call.
type ConverseResult struct {
	ConversationID string   `json:"conversation_id"`
	Reply          string   `json:"reply"`
	Created        []string `json:"created"`
}

// Converse runs ChatWithMemory inside a persisted conversation. An empty
// conversationID starts a new conversation. The user turn is always logged;
// the assistant turn only when the completion succeeded.
func (e *Engine) Converse(ctx context.Context, conversationID, userID, message string) (*ConverseResult, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if err := validateText("message", message); err != nil {
		return nil, err
	}

	conv, err := e.loadConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	out := e.chat(ctx, userID, message, e.window(conv.Turns))
	res := &ConverseResult{ConversationID: conv.ID, Reply: out.reply, Created: out.created}

	turns := []store.Turn{{Role: RoleUser, Text: message}}
	if out.complErr == nil {
		turns = append(turns, store.Turn{Role: RoleAssistant, Text: out.reply})
	}
	var appendErr error
	if err := e.store.AppendTurns(ctx, conv.ID, turns...); err != nil {
		appendErr = &StoreError{Op: "append_turns", Err: err}
	} else {
		e.bus.PublishWithData(EventConversationSaved, userID, map[string]interface{}{
			"conversation_id": conv.ID,
			"turns":           len(conv.Turns) + len(turns),
		})
	}
	return res, errors.Join(out.err(), appendErr)
}

// window keeps the latest HistoryWindow turns.
func (e *Engine) window(turns []store.Turn) []store.Turn {
	if n := e.cfg.HistoryWindow; n > 0 && len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}

func (e *Engine) loadConversation(ctx context.Context, id, userID string) (*store.ConversationLog, error) {
	if id != "" {
		conv, err := e.store.GetConversation(ctx, id)
		switch {
		case err == nil:
			if conv.UserID != userID {
				return nil, &ValidationError{Field: "conversation_id", Reason: "belongs to another user"}
			}
			return conv, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, &StoreError{Op: "get_conversation", Err: err}
		}
	}
	now := e.now()
	conv := &store.ConversationLog{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, &StoreError{Op: "create_conversation", Err: err}
	}
	return conv, nil
}
