package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/clients/openai_client"
	"github.com/mcdev12/quickpitch/go/internal/metrics"
	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

const reviewPrompt = "Please analyze these pitch deck images for story, clarity, and effectiveness. " +
	"Provide feedback on each image individually and how they work together as a pitch deck."

var (
	ErrNoImages      = errors.New("no images provided for analysis")
	ErrRunIncomplete = errors.New("run did not complete successfully")
)

// Assistant is the hosted assistant API.
type Assistant interface {
	CreateThread(ctx context.Context) (*openai_client.Thread, error)
	CreateMessage(ctx context.Context, threadID string, req openai_client.CreateMessageRequest) (*openai_client.Message, error)
	CreateRun(ctx context.Context, threadID, assistantID string) (*openai_client.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*openai_client.Run, error)
	ListMessages(ctx context.Context, threadID string) ([]openai_client.Message, error)
}

// Store persists finished analyses.
type Store interface {
	Create(ctx context.Context, a models.Analysis) (models.Analysis, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Analysis, error)
}

type Config struct {
	APIKey       string
	AssistantID  string
	PollInterval time.Duration
	MaxAttempts  int
}

// DefaultConfig polls every five seconds for up to five minutes.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		MaxAttempts:  60,
	}
}

// ConfigStatus reports which credentials are present.
type ConfigStatus struct {
	HasKey         bool   `json:"hasKey"`
	HasAssistantID bool   `json:"hasAssistantId"`
	Error          string `json:"error,omitempty"`
}

// Result is a finished analysis and the assistant objects that produced it.
type Result struct {
	models.Analysis
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
	Stored   bool   `json:"stored"`
}

type App struct {
	config    Config
	assistant Assistant
	store     Store
	clock     clockwork.Clock
}

// NewApp builds the analysis app. A nil clock uses the real clock.
func NewApp(config Config, assistant Assistant, store Store, clock clockwork.Clock) *App {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{config: config, assistant: assistant, store: store, clock: clock}
}

func (a *App) ConfigStatus() ConfigStatus {
	status := ConfigStatus{
		HasKey:         a.config.APIKey != "",
		HasAssistantID: a.config.AssistantID != "",
	}
	switch {
	case !status.HasKey:
		status.Error = "OpenAI API key is not configured"
	case !status.HasAssistantID:
		status.Error = "OpenAI Assistant ID is not configured"
	}
	return status
}

// Analyze asks the assistant to review the images and stores the answer for
// userID. An empty userID skips storage.
func (a *App) Analyze(ctx context.Context, userID string, imageURLs []string) (*Result, error) {
	urls := cleanURLs(imageURLs)
	if len(urls) == 0 {
		return nil, fmt.Errorf("validation failed: %w", ErrNoImages)
	}
	if status := a.ConfigStatus(); status.Error != "" || a.assistant == nil {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrConfiguration, status.Error)
	}

	thread, err := a.assistant.CreateThread(ctx)
	if err != nil {
		return nil, a.fail("thread", err)
	}
	logger := log.With().Str("thread_id", thread.ID).Int("images", len(urls)).Logger()
	logger.Info().Msg("created analysis thread")

	if _, err := a.assistant.CreateMessage(ctx, thread.ID, reviewMessage(urls)); err != nil {
		return nil, a.fail("message", err)
	}

	run, err := a.assistant.CreateRun(ctx, thread.ID, a.config.AssistantID)
	if err != nil {
		return nil, a.fail("run", err)
	}
	logger = logger.With().Str("run_id", run.ID).Logger()

	status, err := a.waitForRun(ctx, thread.ID, run)
	if err != nil {
		return nil, a.fail("poll", err)
	}
	if status != openai_client.RunStatusCompleted {
		metrics.AnalysisRuns.WithLabelValues(status).Inc()
		logger.Error().Str("status", status).Msg("analysis run did not complete")
		return nil, fmt.Errorf("%w: status %s", ErrRunIncomplete, status)
	}

	messages, err := a.assistant.ListMessages(ctx, thread.ID)
	if err != nil {
		return nil, a.fail("messages", err)
	}
	text := latestAssistantText(messages)
	if text == "" {
		logger.Warn().Msg("no assistant messages found")
	}
	metrics.AnalysisRuns.WithLabelValues(openai_client.RunStatusCompleted).Inc()

	result := &Result{
		Analysis: models.Analysis{
			UserID:     userID,
			Analysis:   text,
			ImageCount: len(urls),
			ImageURLs:  urls,
			CreatedAt:  a.clock.Now().UTC(),
		},
		ThreadID: thread.ID,
		RunID:    run.ID,
	}

	if text != "" && userID != "" && a.store != nil {
		stored, err := a.store.Create(ctx, result.Analysis)
		if err != nil {
			// The caller still gets the feedback it waited for.
			logger.Error().Err(err).Str("user_id", userID).Msg("failed to store analysis")
		} else {
			result.Analysis = stored
			result.Stored = true
		}
	}

	logger.Info().Bool("stored", result.Stored).Msg("analysis completed")
	return result, nil
}

// History returns the user's stored analyses, newest first.
func (a *App) History(ctx context.Context, userID string, limit int) ([]models.Analysis, error) {
	if userID == "" {
		return nil, fmt.Errorf("validation failed: user id is required")
	}
	if a.store == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return a.store.ListByUser(ctx, userID, limit)
}

// waitForRun polls until the run is terminal or the attempts run out and
// returns the last status seen.
func (a *App) waitForRun(ctx context.Context, threadID string, run *openai_client.Run) (string, error) {
	status := run.Status
	for attempts := 0; !(openai_client.Run{Status: status}).Terminal() && attempts < a.config.MaxAttempts; attempts++ {
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-a.clock.After(a.config.PollInterval):
		}

		current, err := a.assistant.GetRun(ctx, threadID, run.ID)
		if err != nil {
			return status, err
		}
		status = current.Status
		log.Debug().Str("run_id", run.ID).Int("attempt", attempts+1).Str("status", status).Msg("polled analysis run")
	}
	return status, nil
}

func (a *App) fail(step string, err error) error {
	metrics.AnalysisRuns.WithLabelValues("error").Inc()
	log.Error().Err(err).Str("step", step).Msg("analysis failed")
	return fmt.Errorf("analysis %s: %w", step, err)
}

func reviewMessage(urls []string) openai_client.CreateMessageRequest {
	parts := make([]openai_client.ContentPart, 0, len(urls)+1)
	parts = append(parts, openai_client.ContentPart{Type: "text", Text: reviewPrompt})
	for _, u := range urls {
		parts = append(parts, openai_client.ContentPart{
			Type:     "image_url",
			ImageURL: &openai_client.ImageURL{URL: u},
		})
	}
	return openai_client.CreateMessageRequest{Role: "user", Content: parts}
}

// latestAssistantText picks the first text of the newest assistant message.
// messages are ordered newest first.
func latestAssistantText(messages []openai_client.Message) string {
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		text, _ := m.FirstText()
		return text
	}
	return ""
}

func cleanURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
