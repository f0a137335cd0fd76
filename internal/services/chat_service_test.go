package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"citrus-guidance-backend/internal/domain"
	"citrus-guidance-backend/internal/llm"
)

// fakeGateway scripts model replies without touching the network.
type fakeGateway struct {
	reply *llm.Reply
	err   error

	// deltas are emitted one by one on the streaming path.
	deltas []string

	// prompt captures the messages of the last call.
	prompt []llm.Message
	// turnsAtCall snapshots how many turns the store held when the gateway
	// was invoked, so tests can assert the user turn was written first.
	turnsAtCall int
	store       *fakeTurnStore

	healthy bool
}

func (g *fakeGateway) Complete(_ context.Context, messages []llm.Message, _ llm.Options) (*llm.Reply, error) {
	g.prompt = messages
	if g.store != nil {
		g.turnsAtCall = len(g.store.turns)
	}
	return g.reply, g.err
}

func (g *fakeGateway) CompleteStreaming(_ context.Context, messages []llm.Message, _ llm.Options, onDelta func(string) error) (*llm.Reply, error) {
	g.prompt = messages
	if g.store != nil {
		g.turnsAtCall = len(g.store.turns)
	}
	if g.err != nil {
		return nil, g.err
	}
	var full strings.Builder
	for _, d := range g.deltas {
		full.WriteString(d)
		if onDelta != nil {
			if err := onDelta(d); err != nil {
				// Mirror the real gateway: stop forwarding, keep the prefix.
				break
			}
		}
	}
	return &llm.Reply{Content: full.String(), ModelID: g.reply.ModelID}, nil
}

func (g *fakeGateway) HealthCheck(context.Context) bool { return g.healthy }

func newChatFixture(seeded int) (*ChatService, *fakeTurnStore, *fakeGateway) {
	store := &fakeTurnStore{}
	seedFakeTurns(store, "s1", seeded)
	gw := &fakeGateway{
		reply: &llm.Reply{Content: "Likely black spot.", ModelID: "test-model"},
		store: store,
	}
	window := NewConversationContext(nil, store)
	svc := NewChatService(nil, store, window, gw)
	return svc, store, gw
}

func TestContinue_PersistsBothTurns(t *testing.T) {
	svc, store, _ := newChatFixture(0)

	res, err := svc.Continue(context.Background(), "s1", "  what is wrong with my tree?  ", nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if res.Content != "Likely black spot." || res.ModelID != "test-model" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(store.turns) != 2 {
		t.Fatalf("turns persisted = %d; want 2", len(store.turns))
	}
	if store.turns[0].Role != domain.RoleUser || store.turns[0].Content != "what is wrong with my tree?" {
		t.Fatalf("user turn wrong (and not trimmed): %+v", store.turns[0])
	}
	if store.turns[1].Role != domain.RoleAssistant || store.turns[1].ModelID != "test-model" {
		t.Fatalf("assistant turn wrong: %+v", store.turns[1])
	}
	if res.UserTurn == nil || res.AssistantTurn == nil {
		t.Fatalf("result must reference both turns")
	}
}

func TestContinue_UserTurnWrittenBeforeModelCall(t *testing.T) {
	svc, _, gw := newChatFixture(0)

	if _, err := svc.Continue(context.Background(), "s1", "hello", nil); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if gw.turnsAtCall != 1 {
		t.Fatalf("store had %d turns at model call; want 1 (the user turn)", gw.turnsAtCall)
	}
}

func TestContinue_PromptCarriesWindowNotNewTurn(t *testing.T) {
	svc, _, gw := newChatFixture(4)

	if _, err := svc.Continue(context.Background(), "s1", "new question", nil); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	// system + 4 window turns + new user message
	if len(gw.prompt) != 6 {
		t.Fatalf("prompt len = %d; want 6", len(gw.prompt))
	}
	if gw.prompt[0].Role != domain.RoleSystem {
		t.Fatalf("prompt must start with the system message")
	}
	// The window must not contain the just-persisted user turn; the
	// assembler appends the new message itself, exactly once.
	n := 0
	for _, m := range gw.prompt {
		if m.Content == "new question" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("new message appears %d times in prompt; want 1", n)
	}
	if gw.prompt[len(gw.prompt)-1].Content != "new question" {
		t.Fatalf("new message must be last")
	}
}

func TestContinue_Validation(t *testing.T) {
	svc, store, _ := newChatFixture(0)

	if _, err := svc.Continue(context.Background(), "s1", "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	svc.MaxMessageRunes = 5
	if _, err := svc.Continue(context.Background(), "s1", "this is far too long", nil); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}

	// Rune counting, not bytes: five multi-byte runes pass a cap of 5.
	svc.MaxMessageRunes = 5
	if _, err := svc.Continue(context.Background(), "s1", "ありがとう", nil); err != nil {
		t.Fatalf("five runes must pass a five-rune cap, got %v", err)
	}

	if len(store.turns) != 2 { // only the successful exchange persisted
		t.Fatalf("rejected messages must not be persisted, have %d turns", len(store.turns))
	}
}

func TestContinue_GatewayFailureIsTerminal(t *testing.T) {
	svc, store, gw := newChatFixture(0)
	gw.err = llm.ErrUnavailable

	_, err := svc.Continue(context.Background(), "s1", "hello", nil)
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected gateway error to propagate, got %v", err)
	}
	// The user turn stays; no assistant turn is fabricated.
	if len(store.turns) != 1 || store.turns[0].Role != domain.RoleUser {
		t.Fatalf("expected exactly the user turn persisted, got %+v", store.turns)
	}
}

func TestContinue_StreamingForwardsDeltas(t *testing.T) {
	svc, store, gw := newChatFixture(0)
	gw.deltas = []string{"Likely ", "black ", "spot."}

	var got []string
	res, err := svc.Continue(context.Background(), "s1", "diagnose", func(d string) error {
		got = append(got, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("deltas forwarded = %d; want 3", len(got))
	}
	if res.Content != "Likely black spot." {
		t.Fatalf("reassembled content = %q", res.Content)
	}
	if len(store.turns) != 2 || store.turns[1].Content != "Likely black spot." {
		t.Fatalf("assistant turn must hold the full reassembled text")
	}
}

func TestContinue_DisconnectStillPersistsAssistantTurn(t *testing.T) {
	svc, store, gw := newChatFixture(0)
	gw.deltas = []string{"part one ", "part two ", "part three"}

	calls := 0
	_, err := svc.Continue(context.Background(), "s1", "diagnose", func(d string) error {
		calls++
		if calls == 2 {
			return errors.New("client disconnected")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if len(store.turns) != 2 {
		t.Fatalf("assistant turn must be persisted despite the disconnect, have %d turns", len(store.turns))
	}
	if store.turns[1].Content != "part one part two " {
		t.Fatalf("persisted prefix = %q", store.turns[1].Content)
	}
}

func TestHistoryPage_DefaultsAndPaging(t *testing.T) {
	svc, _, _ := newChatFixture(25)

	items, total, err := svc.HistoryPage(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("HistoryPage: %v", err)
	}
	if total != 25 || len(items) != 20 {
		t.Fatalf("defaults: total=%d len=%d; want 25/20", total, len(items))
	}
	// Newest-first.
	if items[0].Content != "msg 25" {
		t.Fatalf("first item = %q; want msg 25", items[0].Content)
	}

	page2, total, err := svc.HistoryPage(context.Background(), "s1", 2, 10)
	if err != nil || total != 25 {
		t.Fatalf("page 2: %v total=%d", err, total)
	}
	if len(page2) != 10 || page2[0].Content != "msg 15" {
		t.Fatalf("page 2 window wrong: len=%d first=%q", len(page2), page2[0].Content)
	}
}

func TestHistoryPage_EmptySession(t *testing.T) {
	svc, _, _ := newChatFixture(0)
	items, total, err := svc.HistoryPage(context.Background(), "nobody", 1, 20)
	if err != nil || total != 0 {
		t.Fatalf("empty: %v total=%d", err, total)
	}
	if items == nil || len(items) != 0 {
		t.Fatalf("empty session must return an empty, non-nil slice")
	}
}
