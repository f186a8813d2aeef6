package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/diminDDL/discord-ollama/internal/catalog"
	"github.com/diminDDL/discord-ollama/internal/convo"
	"github.com/diminDDL/discord-ollama/internal/ollama"
	"github.com/diminDDL/discord-ollama/internal/policy"
	"github.com/diminDDL/discord-ollama/internal/scope"
)

type stubBackend struct {
	reply    ollama.Turn
	err      error
	calls    int
	gotModel string
	gotTurns []ollama.Turn
}

func (b *stubBackend) Chat(ctx context.Context, model string, turns []ollama.Turn) (ollama.Turn, error) {
	b.calls++
	b.gotModel = model
	b.gotTurns = append([]ollama.Turn(nil), turns...)
	if b.err != nil {
		return ollama.Turn{}, b.err
	}
	return b.reply, nil
}

type stubCatalogLister struct {
	models []ollama.ModelDescriptor
	err    error
}

func (l *stubCatalogLister) List(ctx context.Context) ([]ollama.ModelDescriptor, error) {
	return l.models, l.err
}

type stubResolver struct {
	payload string
	err     error
}

func (r *stubResolver) Resolve(ctx context.Context, url string) (string, error) {
	return r.payload, r.err
}

type testEnv struct {
	engine  *Engine
	backend *stubBackend
	convo   *convo.Manager
	policy  *policy.Engine
	catalog *catalog.Cache
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mgr := convo.NewManager(rdb, convo.DefaultMaxHistory)
	pol := policy.NewEngine(rdb, mgr)
	backend := &stubBackend{reply: ollama.Turn{Role: ollama.RoleAssistant, Content: "hello there"}}
	cache := catalog.New(&stubCatalogLister{models: []ollama.ModelDescriptor{
		{Name: "llama3.2:3b", ParameterSize: "3.2B", SizeBytes: 2 << 30},
	}}, zerolog.Nop())
	if _, err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	cfg.Policy = pol
	cfg.Convo = mgr
	cfg.Catalog = cache
	cfg.Backend = backend
	cfg.Logger = zerolog.Nop()
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = "You are a helpful assistant."
	}
	return &testEnv{
		engine:  New(cfg),
		backend: backend,
		convo:   mgr,
		policy:  pol,
		catalog: cache,
	}
}

func event() Event {
	return Event{GuildID: "g1", ChannelID: "c1", AuthorID: "u1", Text: "hi"}
}

func selectModel(t *testing.T, env *testEnv) {
	t.Helper()
	if err := env.convo.SetModel(context.Background(), scope.New("g1", "c1"), "llama3.2:3b"); err != nil {
		t.Fatalf("set model: %v", err)
	}
}

func TestHandleEventNoModelConfigured(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	chunks, err := env.engine.HandleEvent(ctx, event())
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != noModelReply {
		t.Fatalf("expected single no-model reply, got %#v", chunks)
	}
	if env.backend.calls != 0 {
		t.Fatal("backend must not be called without a model")
	}
	turns, err := env.convo.GetHistory(ctx, scope.New("g1", "c1"), "u1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("history must stay empty, got %d turns", len(turns))
	}
}

func TestHandleEventSuccessfulTurn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{DefaultPrompt: "Be terse."})
	selectModel(t, env)

	chunks, err := env.engine.HandleEvent(ctx, event())
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "hello there" {
		t.Fatalf("unexpected chunks %#v", chunks)
	}
	if env.backend.gotModel != "llama3.2:3b" {
		t.Fatalf("backend got model %q", env.backend.gotModel)
	}

	// The backend saw the seeded prompt plus the user turn.
	if len(env.backend.gotTurns) != 2 {
		t.Fatalf("backend got %d turns, want 2", len(env.backend.gotTurns))
	}
	if env.backend.gotTurns[0].Role != ollama.RoleSystem || env.backend.gotTurns[0].Content != "Be terse." {
		t.Fatalf("turn 0 is not the system prompt: %+v", env.backend.gotTurns[0])
	}

	turns, err := env.convo.GetHistory(ctx, scope.New("g1", "c1"), "u1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("history has %d turns, want 3", len(turns))
	}
	if turns[2].Role != ollama.RoleAssistant || turns[2].Content != "hello there" {
		t.Fatalf("assistant turn not committed: %+v", turns[2])
	}
}

func TestHandleEventPersistsDefaultPrompt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{DefaultPrompt: "Be terse."})
	selectModel(t, env)

	if _, err := env.engine.HandleEvent(ctx, event()); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	settings, err := env.convo.GetSettings(ctx, scope.New("g1", "c1"))
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if settings.SystemPrompt == nil || *settings.SystemPrompt != "Be terse." {
		t.Fatalf("fallback prompt not persisted: %+v", settings.SystemPrompt)
	}
}

func TestHandleEventBackendFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})
	selectModel(t, env)
	env.backend.err = errors.New("connection refused")

	chunks, err := env.engine.HandleEvent(ctx, event())
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != apologyReply {
		t.Fatalf("expected exactly one apology, got %#v", chunks)
	}

	turns, err := env.convo.GetHistory(ctx, scope.New("g1", "c1"), "u1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	for _, turn := range turns {
		if turn.Role == ollama.RoleUser || turn.Role == ollama.RoleAssistant {
			t.Fatalf("failed turn left a trace in history: %+v", turn)
		}
	}
}

func TestHandleEventDebugModeExposesCause(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{DebugMode: true})
	selectModel(t, env)
	env.backend.err = errors.New("dial tcp: connection refused")

	chunks, err := env.engine.HandleEvent(ctx, event())
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) != 1 || !strings.Contains(chunks[0], "connection refused") {
		t.Fatalf("debug reply must include the cause, got %#v", chunks)
	}
}

func TestHandleEventTimeoutBoundsBackendCall(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{ChatTimeout: 10 * time.Millisecond})
	selectModel(t, env)
	env.backend.err = context.DeadlineExceeded

	chunks, err := env.engine.HandleEvent(ctx, event())
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != apologyReply {
		t.Fatalf("expected one apology on timeout, got %#v", chunks)
	}
}

func TestHandleEventBlockedUserGetsSilence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})
	selectModel(t, env)
	if err := env.policy.Ban(ctx, "g1", "c1", "u1", "mod", "spam"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	chunks, err := env.engine.HandleEvent(ctx, event())
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if chunks != nil {
		t.Fatalf("blocked user must get no reply, got %#v", chunks)
	}
	if env.backend.calls != 0 {
		t.Fatal("backend must not be called for a blocked user")
	}
}

func TestHandleEventBotAuthorGate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})
	selectModel(t, env)

	ev := event()
	ev.IsBotAuthor = true
	chunks, err := env.engine.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if chunks != nil {
		t.Fatalf("bot author must be ignored by default, got %#v", chunks)
	}

	if _, err := env.convo.ToggleBotAuthors(ctx, scope.New("g1", "c1")); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	chunks, err = env.engine.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "hello there" {
		t.Fatalf("bot author must be answered after enabling, got %#v", chunks)
	}
}

func TestHandleEventEmptyReplyNotPersisted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})
	selectModel(t, env)
	env.backend.reply = ollama.Turn{Role: ollama.RoleAssistant, Content: "<think>only reasoning</think>"}

	chunks, err := env.engine.HandleEvent(ctx, event())
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != emptyReplyChunk {
		t.Fatalf("expected placeholder reply, got %#v", chunks)
	}

	turns, err := env.convo.GetHistory(ctx, scope.New("g1", "c1"), "u1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	for _, turn := range turns {
		if turn.Role == ollama.RoleAssistant {
			t.Fatalf("placeholder must not be persisted: %+v", turn)
		}
	}
}

func TestHandleEventStripsReasoningBeforeCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})
	selectModel(t, env)
	env.backend.reply = ollama.Turn{Role: ollama.RoleAssistant, Content: "<think>hmm</think>The answer is 4."}

	chunks, err := env.engine.HandleEvent(ctx, event())
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "The answer is 4." {
		t.Fatalf("reasoning not stripped: %#v", chunks)
	}

	turns, err := env.convo.GetHistory(ctx, scope.New("g1", "c1"), "u1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	last := turns[len(turns)-1]
	if last.Role != ollama.RoleAssistant || last.Content != "The answer is 4." {
		t.Fatalf("committed turn keeps reasoning: %+v", last)
	}
}

func TestHandleEventLongReplyChunkedButCommittedWhole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{ChunkSize: 100})
	selectModel(t, env)
	long := strings.Repeat("lorem ipsum ", 30)
	env.backend.reply = ollama.Turn{Role: ollama.RoleAssistant, Content: long}

	chunks, err := env.engine.HandleEvent(ctx, event())
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d over limit", i)
		}
	}

	turns, err := env.convo.GetHistory(ctx, scope.New("g1", "c1"), "u1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	last := turns[len(turns)-1]
	if last.Content != strings.TrimSpace(long) {
		t.Fatal("history must hold the unsplit reply")
	}
}

func TestHandleEventImageFailureDegradesToText(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{Images: &stubResolver{err: errors.New("fetch failed")}})
	selectModel(t, env)

	ev := event()
	ev.ImageURL = "https://cdn.example/att.png"
	chunks, err := env.engine.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "hello there" {
		t.Fatalf("turn must proceed text-only, got %#v", chunks)
	}
	for _, turn := range env.backend.gotTurns {
		if len(turn.Images) != 0 {
			t.Fatalf("no image payload expected, got %+v", turn)
		}
	}
}

func TestHandleEventImageAttached(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{Images: &stubResolver{payload: "aGVsbG8="}})
	selectModel(t, env)

	ev := event()
	ev.ImageURL = "https://cdn.example/att.png"
	if _, err := env.engine.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	userTurn := env.backend.gotTurns[len(env.backend.gotTurns)-1]
	if len(userTurn.Images) != 1 || userTurn.Images[0] != "aGVsbG8=" {
		t.Fatalf("image payload missing from user turn: %+v", userTurn)
	}
}
