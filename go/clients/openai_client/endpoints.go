package openai_client

const (
	// Base URL
	BaseURL = "https://api.openai.com/v1"

	// API Endpoints
	ThreadsEndpoint = "/threads"

	// Run statuses
	RunStatusQueued         = "queued"
	RunStatusInProgress     = "in_progress"
	RunStatusRequiresAction = "requires_action"
	RunStatusCompleted      = "completed"
	RunStatusFailed         = "failed"
	RunStatusCancelled      = "cancelled"
	RunStatusExpired        = "expired"

	// Headers
	AuthorizationHeader = "Authorization"
	BetaHeader          = "OpenAI-Beta"
	AssistantsBeta      = "assistants=v2"
)
