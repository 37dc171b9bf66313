// File: api/schemas/interfaces.go
// Description: Interfaces of the external collaborators: the browser
// automation engine and the model inference service. The core depends only on
// these contracts, which keeps the loop testable with in-memory fakes.

package schemas

import "context"

// BrowserEngine owns the browser process and hands out isolated tabs.
type BrowserEngine interface {
	// Launch opens a new tab and navigates it to url.
	Launch(ctx context.Context, url string) (BrowserTab, error)
	// Shutdown terminates the browser process after active tabs close.
	Shutdown(ctx context.Context) error
}

// BrowserTab is one isolated page a session exclusively owns. Every method
// returns human-readable result text suitable for feeding back to the model
// as an observation. Implementations need not be safe for concurrent use;
// the dispatcher serializes calls per session.
type BrowserTab interface {
	ClickXY(ctx context.Context, x, y int) (string, error)
	ClickSelector(ctx context.Context, selector string) (string, error)
	TypeText(ctx context.Context, text string) (string, error)
	Scroll(ctx context.Context, direction string) (string, error)
	PageContent(ctx context.Context) (string, error)
	DOMStructure(ctx context.Context, maxDepth int) (string, error)
	ExtractData(ctx context.Context, pattern string) (string, error)
	Screenshot(ctx context.Context) (string, error)
	ClearHighlights(ctx context.Context) (string, error)
	ShowSelectors(ctx context.Context, elementTypes string) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// ChatRole is the role of one message sent to a model provider.
type ChatRole string

const (
	RoleUser  ChatRole = "user"
	RoleModel ChatRole = "model"
)

// ChatMessage is one turn of provider-facing conversation history.
type ChatMessage struct {
	Role    ChatRole
	Content string
}

// GenerationOptions holds parameters for controlling model generation.
type GenerationOptions struct {
	// Temperature controls response randomness. Lower is more deterministic.
	Temperature float32
	// MaxTokens caps the generated response length. Zero means provider default.
	MaxTokens int
	// ForceJSONFormat asks the provider to enforce JSON output where supported.
	ForceJSONFormat bool
}

// GenerationRequest encapsulates all inputs for a single model call.
type GenerationRequest struct {
	System   string
	Messages []ChatMessage
	Options  GenerationOptions
}

// LLMClient abstracts the model provider (Ollama, Gemini, OpenAI-compatible)
// away from the execution loop.
type LLMClient interface {
	// GenerateResponse sends the conversation to the model and returns the
	// text of its next turn.
	GenerateResponse(ctx context.Context, req GenerationRequest) (string, error)
}

// RunRecorder persists task runs and their steps for later diagnostics.
// A nil-safe no-op implementation is used when no database is configured.
type RunRecorder interface {
	CreateRun(ctx context.Context, runID, task string) error
	RecordStep(ctx context.Context, runID string, seq int, op string, status ResultStatus, detail string) error
	FinishRun(ctx context.Context, runID string, status TaskStatus, reason FailReason) error
}
