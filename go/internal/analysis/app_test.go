package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quickpitch/go/clients/openai_client"
	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

type fakeAssistant struct {
	mu       sync.Mutex
	statuses []string // returned by successive GetRun calls
	polls    int
	message  openai_client.CreateMessageRequest
	replies  []openai_client.Message
}

func (f *fakeAssistant) CreateThread(ctx context.Context) (*openai_client.Thread, error) {
	return &openai_client.Thread{ID: "thread_1"}, nil
}

func (f *fakeAssistant) CreateMessage(ctx context.Context, threadID string, req openai_client.CreateMessageRequest) (*openai_client.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = req
	return &openai_client.Message{ID: "msg_1", Role: "user"}, nil
}

func (f *fakeAssistant) CreateRun(ctx context.Context, threadID, assistantID string) (*openai_client.Run, error) {
	return &openai_client.Run{ID: "run_1", ThreadID: threadID, Status: openai_client.RunStatusQueued}, nil
}

func (f *fakeAssistant) GetRun(ctx context.Context, threadID, runID string) (*openai_client.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.statuses[len(f.statuses)-1]
	if f.polls < len(f.statuses) {
		status = f.statuses[f.polls]
	}
	f.polls++
	return &openai_client.Run{ID: runID, Status: status}, nil
}

func (f *fakeAssistant) ListMessages(ctx context.Context, threadID string) ([]openai_client.Message, error) {
	return f.replies, nil
}

type memoryStore struct {
	mu       sync.Mutex
	analyses []models.Analysis
	err      error
}

func (s *memoryStore) Create(ctx context.Context, a models.Analysis) (models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.Analysis{}, s.err
	}
	a.ID = uuid.New()
	s.analyses = append([]models.Analysis{a}, s.analyses...)
	return a, nil
}

func (s *memoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Analysis
	for _, a := range s.analyses {
		if a.UserID == userID && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func assistantReply(text string) []openai_client.Message {
	return []openai_client.Message{
		{ID: "msg_2", Role: "assistant", Content: []openai_client.MessageContent{{Type: "text", Text: &openai_client.MessageText{Value: text}}}},
		{ID: "msg_1", Role: "user"},
	}
}

func testConfig() Config {
	return Config{APIKey: "sk-test", AssistantID: "asst_1", PollInterval: 5 * time.Second, MaxAttempts: 60}
}

type outcome struct {
	result *Result
	err    error
}

// runWithPolls starts Analyze and advances the fake clock once per expected poll.
func runWithPolls(t *testing.T, app *App, clock *clockwork.FakeClock, polls int, userID string, urls []string) outcome {
	t.Helper()
	done := make(chan outcome, 1)
	go func() {
		r, err := app.Analyze(context.Background(), userID, urls)
		done <- outcome{r, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < polls; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("poll %d never waited: %v", i+1, err)
		}
		clock.Advance(5 * time.Second)
	}

	select {
	case o := <-done:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("Analyze did not return")
		return outcome{}
	}
}

func TestAnalyzeValidatesInput(t *testing.T) {
	app := NewApp(testConfig(), &fakeAssistant{}, nil, clockwork.NewFakeClock())
	if _, err := app.Analyze(context.Background(), "u1", []string{" ", ""}); !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
}

func TestAnalyzeRequiresCredentials(t *testing.T) {
	for _, cfg := range []Config{{AssistantID: "asst_1"}, {APIKey: "sk-test"}} {
		app := NewApp(cfg, &fakeAssistant{}, nil, clockwork.NewFakeClock())
		if _, err := app.Analyze(context.Background(), "u1", []string{"https://cdn.example.com/a.png"}); !errors.Is(err, syncerr.ErrConfiguration) {
			t.Errorf("config %+v: expected ErrConfiguration, got %v", cfg, err)
		}
	}
}

func TestConfigStatus(t *testing.T) {
	tests := []struct {
		cfg  Config
		want ConfigStatus
	}{
		{Config{}, ConfigStatus{Error: "OpenAI API key is not configured"}},
		{Config{APIKey: "k"}, ConfigStatus{HasKey: true, Error: "OpenAI Assistant ID is not configured"}},
		{Config{APIKey: "k", AssistantID: "a"}, ConfigStatus{HasKey: true, HasAssistantID: true}},
	}
	for _, tt := range tests {
		if got := NewApp(tt.cfg, nil, nil, nil).ConfigStatus(); got != tt.want {
			t.Errorf("ConfigStatus(%+v) = %+v, want %+v", tt.cfg, got, tt.want)
		}
	}
}

func TestAnalyzePollsUntilCompleted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	assistant := &fakeAssistant{
		statuses: []string{openai_client.RunStatusInProgress, openai_client.RunStatusInProgress, openai_client.RunStatusCompleted},
		replies:  assistantReply("Slide 1 tells a clear story."),
	}
	store := &memoryStore{}
	app := NewApp(testConfig(), assistant, store, clock)
	urls := []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"}

	o := runWithPolls(t, app, clock, 3, "u1", urls)
	if o.err != nil {
		t.Fatalf("Analyze: %v", o.err)
	}
	if o.result.Analysis.Analysis != "Slide 1 tells a clear story." || !o.result.Stored {
		t.Errorf("unexpected result %+v", o.result)
	}
	if o.result.ThreadID != "thread_1" || o.result.RunID != "run_1" || o.result.ImageCount != 2 {
		t.Errorf("unexpected ids/count %+v", o.result)
	}

	msg := assistant.message
	if len(msg.Content) != 3 || msg.Content[0].Text != reviewPrompt || msg.Content[2].ImageURL.URL != urls[1] {
		t.Errorf("unexpected message %+v", msg)
	}

	history, err := app.History(context.Background(), "u1", 0)
	if err != nil || len(history) != 1 || len(history[0].ImageURLs) != 2 {
		t.Errorf("history = %+v, err %v", history, err)
	}
}

func TestAnalyzeGivesUpAfterMaxAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.MaxAttempts = 3
	assistant := &fakeAssistant{statuses: []string{openai_client.RunStatusInProgress}}
	app := NewApp(cfg, assistant, &memoryStore{}, clock)

	o := runWithPolls(t, app, clock, 3, "u1", []string{"https://cdn.example.com/a.png"})
	if !errors.Is(o.err, ErrRunIncomplete) {
		t.Fatalf("expected ErrRunIncomplete, got %v", o.err)
	}
	if assistant.polls != 3 {
		t.Errorf("polled %d times, want 3", assistant.polls)
	}
}

func TestAnalyzeFailedRun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	assistant := &fakeAssistant{statuses: []string{openai_client.RunStatusFailed}}
	app := NewApp(testConfig(), assistant, &memoryStore{}, clock)

	o := runWithPolls(t, app, clock, 1, "u1", []string{"https://cdn.example.com/a.png"})
	if !errors.Is(o.err, ErrRunIncomplete) {
		t.Fatalf("expected ErrRunIncomplete, got %v", o.err)
	}
}

func TestAnalyzeStoreFailureStillReturnsFeedback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	assistant := &fakeAssistant{
		statuses: []string{openai_client.RunStatusCompleted},
		replies:  assistantReply("Looks good."),
	}
	app := NewApp(testConfig(), assistant, &memoryStore{err: errors.New("db down")}, clock)

	o := runWithPolls(t, app, clock, 1, "u1", []string{"https://cdn.example.com/a.png"})
	if o.err != nil {
		t.Fatalf("Analyze: %v", o.err)
	}
	if o.result.Stored || o.result.Analysis.Analysis != "Looks good." {
		t.Errorf("unexpected result %+v", o.result)
	}
}

func TestAnalyzeWithoutUserSkipsStorage(t *testing.T) {
	clock := clockwork.NewFakeClock()
	assistant := &fakeAssistant{
		statuses: []string{openai_client.RunStatusCompleted},
		replies:  assistantReply("Fine."),
	}
	store := &memoryStore{}
	app := NewApp(testConfig(), assistant, store, clock)

	o := runWithPolls(t, app, clock, 1, "", []string{"https://cdn.example.com/a.png"})
	if o.err != nil || o.result.Stored || len(store.analyses) != 0 {
		t.Fatalf("anonymous analysis must not be stored: %+v %v", o.result, o.err)
	}
}

func TestLatestAssistantText(t *testing.T) {
	if got := latestAssistantText([]openai_client.Message{{Role: "user"}}); got != "" {
		t.Errorf("no assistant message: got %q", got)
	}
	msgs := append(assistantReply("newest"), assistantReply("older")...)
	if got := latestAssistantText(msgs); got != "newest" {
		t.Errorf("got %q, want newest", got)
	}
}

func TestNullRawMessageRoundTrip(t *testing.T) {
	empty, err := toNullRawMessage(nil)
	if err != nil || empty.Valid {
		t.Fatalf("empty list should be NULL: %+v %v", empty, err)
	}
	m, err := toNullRawMessage([]string{"a", "b"})
	if err != nil {
		t.Fatalf("toNullRawMessage: %v", err)
	}
	urls, err := fromNullRawMessage(m)
	if err != nil || len(urls) != 2 || urls[1] != "b" {
		t.Errorf("fromNullRawMessage = %v, %v", urls, err)
	}
}
