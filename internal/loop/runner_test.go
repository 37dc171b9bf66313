package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nullpath/webpilot/api/schemas"
	"github.com/nullpath/webpilot/internal/config"
	"github.com/nullpath/webpilot/internal/conversation"
	"github.com/nullpath/webpilot/internal/session"
)

// scriptedLLM replays a fixed sequence of responses and records every request.
type scriptedLLM struct {
	responses []string
	requests  []schemas.GenerationRequest
	err       error
}

func (s *scriptedLLM) GenerateResponse(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

// scriptedDispatcher delegates to a handler and records every request.
type scriptedDispatcher struct {
	handler  func(call int, req *schemas.ActionRequest) (*schemas.ToolResult, error)
	requests []*schemas.ActionRequest
}

func (s *scriptedDispatcher) Dispatch(ctx context.Context, req *schemas.ActionRequest) (*schemas.ToolResult, error) {
	s.requests = append(s.requests, req)
	return s.handler(len(s.requests), req)
}

// stubTab satisfies BrowserTab for sessions the scripted dispatcher registers.
type stubTab struct{}

func (stubTab) ClickXY(ctx context.Context, x, y int) (string, error) { return "", nil }
func (stubTab) ClickSelector(ctx context.Context, sel string) (string, error) { return "", nil }
func (stubTab) TypeText(ctx context.Context, text string) (string, error) { return "", nil }
func (stubTab) Scroll(ctx context.Context, dir string) (string, error) { return "", nil }
func (stubTab) PageContent(ctx context.Context) (string, error) { return "", nil }
func (stubTab) DOMStructure(ctx context.Context, depth int) (string, error) { return "", nil }
func (stubTab) ExtractData(ctx context.Context, pattern string) (string, error) { return "", nil }
func (stubTab) Screenshot(ctx context.Context) (string, error) { return "", nil }
func (stubTab) ClearHighlights(ctx context.Context) (string, error) { return "", nil }
func (stubTab) ShowSelectors(ctx context.Context, types string) (string, error) { return "", nil }
func (stubTab) CurrentURL(ctx context.Context) (string, error) { return "", nil }
func (stubTab) Close(ctx context.Context) error { return nil }

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxIterations:    10,
		MaxParseFailures: 3,
		DispatchAttempts: 3,
		RetryBackoff:     time.Millisecond,
		ActionInterval:   time.Microsecond,
		TokenBudget:      32000,
		ProtectedTail:    4,
	}
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{Temperature: 0.2}
}

// wordCount keeps conversation token accounting deterministic and offline.
func wordCount(text string) int { return len(strings.Fields(text)) }

func newTestRunner(llm schemas.LLMClient, disp ActionDispatcher, sessions *session.Store, opts ...Option) *Runner {
	opts = append(opts, WithConversationOptions(conversation.WithCounter(wordCount)))
	return NewRunner(llm, disp, sessions, testAgentConfig(), testLLMConfig(), zap.NewNop(), opts...)
}

// launchingDispatcher registers a real session on launch_browser and succeeds
// on everything else.
func launchingDispatcher(sessions *session.Store) *scriptedDispatcher {
	return &scriptedDispatcher{
		handler: func(call int, req *schemas.ActionRequest) (*schemas.ToolResult, error) {
			if req.Op == schemas.OpLaunchBrowser {
				s := sessions.Create(stubTab{}, req.StringArg("url"))
				return &schemas.ToolResult{
					Op:        req.Op,
					Status:    schemas.ResultOK,
					SessionID: s.ID,
					Payload:   "Browser session " + s.ID + " launched",
				}, nil
			}
			if req.Op == schemas.OpCloseBrowser {
				if err := sessions.Close(context.Background(), req.StringArg("session_id")); err != nil {
					return nil, err
				}
				return &schemas.ToolResult{Op: req.Op, Status: schemas.ResultOK, Payload: "closed"}, nil
			}
			return &schemas.ToolResult{Op: req.Op, Status: schemas.ResultOK, Payload: req.Op + " done"}, nil
		},
	}
}

func action(tool, params string) string {
	return fmt.Sprintf("```json\n{\"tool\": %q, \"parameters\": {%s}}\n```", tool, params)
}

func TestRunCompletesTask(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := launchingDispatcher(sessions)
	llm := &scriptedLLM{responses: []string{
		action("launch_browser", `"url": "https://example.com"`),
		action("take_screenshot", ""),
		"The screenshot confirms the page. Task complete.",
	}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "screenshot example.com")

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 3, outcome.Iterations)
	assert.Equal(t, []string{schemas.OpLaunchBrowser, schemas.OpTakeScreenshot}, outcome.Dispatched)

	// Cleanup guarantee: the session opened by the run is closed afterwards.
	assert.Equal(t, 0, sessions.OpenCount())
}

func TestRunInjectsSessionID(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := launchingDispatcher(sessions)
	llm := &scriptedLLM{responses: []string{
		action("launch_browser", `"url": "https://example.com"`),
		action("get_page_content", ""),
		"task complete",
	}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "read the page")
	require.True(t, outcome.Succeeded())

	require.Len(t, disp.requests, 2)
	launched := disp.requests[0]
	content := disp.requests[1]
	assert.Equal(t, schemas.OpLaunchBrowser, launched.Op)
	assert.Equal(t, schemas.OpGetPageContent, content.Op)
	assert.NotEmpty(t, content.StringArg("session_id"))
}

func TestRunCorrectsWhenNoSessionOpen(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := launchingDispatcher(sessions)
	llm := &scriptedLLM{responses: []string{
		action("take_screenshot", ""),
		"task complete",
	}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "screenshot")
	assert.True(t, outcome.Succeeded())

	// Nothing was dispatched; the model got a corrective observation instead.
	assert.Empty(t, disp.requests)
	require.Len(t, llm.requests, 2)
	last := llm.requests[1].Messages[len(llm.requests[1].Messages)-1]
	assert.Contains(t, last.Content, "No browser session is open")
}

func TestRunFailsAfterRepeatedUnparsableResponses(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := launchingDispatcher(sessions)
	llm := &scriptedLLM{responses: []string{"I am lost.", "Still lost.", "No idea."}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "do something")

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, schemas.FailUnparsableRepeatedly, outcome.Reason)
	assert.Equal(t, 3, outcome.Iterations)
	assert.Empty(t, outcome.Dispatched)
	assert.Equal(t, 0, sessions.OpenCount())
}

// A single parse success resets the consecutive failure counter.
func TestRunParseFailureCounterResets(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := launchingDispatcher(sessions)
	llm := &scriptedLLM{responses: []string{
		"Hmm.",
		"Hmm again.",
		action("launch_browser", `"url": "https://example.com"`),
		"Hmm once more.",
		"Hmm.",
		"task complete",
	}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "persist")

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, []string{schemas.OpLaunchBrowser}, outcome.Dispatched)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	var launched string
	disp := &scriptedDispatcher{}
	disp.handler = func(call int, req *schemas.ActionRequest) (*schemas.ToolResult, error) {
		if req.Op == schemas.OpLaunchBrowser {
			s := sessions.Create(stubTab{}, req.StringArg("url"))
			launched = s.ID
			return &schemas.ToolResult{Op: req.Op, Status: schemas.ResultOK, SessionID: s.ID}, nil
		}
		// First two content attempts time out, the third succeeds.
		if call <= 3 {
			return nil, schemas.NewTransientToolError(req.Op, context.DeadlineExceeded)
		}
		return &schemas.ToolResult{Op: req.Op, Status: schemas.ResultOK, Payload: "text"}, nil
	}
	llm := &scriptedLLM{responses: []string{
		action("launch_browser", `"url": "https://example.com"`),
		action("get_page_content", ""),
		"task complete",
	}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "read")
	require.True(t, outcome.Succeeded())
	require.NotEmpty(t, launched)

	// Launch plus three content attempts, but the operation is recorded as
	// succeeded exactly once.
	assert.Len(t, disp.requests, 4)
	assert.Equal(t, []string{schemas.OpLaunchBrowser, schemas.OpGetPageContent}, outcome.Dispatched)
}

func TestRunPermanentFailureBecomesObservation(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := &scriptedDispatcher{}
	disp.handler = func(call int, req *schemas.ActionRequest) (*schemas.ToolResult, error) {
		if req.Op == schemas.OpLaunchBrowser {
			s := sessions.Create(stubTab{}, req.StringArg("url"))
			return &schemas.ToolResult{Op: req.Op, Status: schemas.ResultOK, SessionID: s.ID}, nil
		}
		return nil, schemas.NewPermanentToolError(req.Op, errors.New("element not interactable"))
	}
	llm := &scriptedLLM{responses: []string{
		action("launch_browser", `"url": "https://example.com"`),
		action("click_selector", `"selector": "#missing"`),
		"task complete",
	}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "click it")
	assert.True(t, outcome.Succeeded())

	// The permanent failure is not retried and does not appear in Dispatched.
	assert.Len(t, disp.requests, 2)
	assert.Equal(t, []string{schemas.OpLaunchBrowser}, outcome.Dispatched)

	last := llm.requests[2].Messages[len(llm.requests[2].Messages)-1]
	assert.Contains(t, last.Content, "failed")
}

func TestRunFatalToolErrorEndsRun(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := &scriptedDispatcher{}
	disp.handler = func(call int, req *schemas.ActionRequest) (*schemas.ToolResult, error) {
		if req.Op == schemas.OpLaunchBrowser {
			s := sessions.Create(stubTab{}, req.StringArg("url"))
			return &schemas.ToolResult{Op: req.Op, Status: schemas.ResultOK, SessionID: s.ID}, nil
		}
		return nil, fmt.Errorf("%w: browser process died", schemas.ErrEngineFatal)
	}
	llm := &scriptedLLM{responses: []string{
		action("launch_browser", `"url": "https://example.com"`),
		action("get_page_content", ""),
	}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "read")

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, schemas.FailFatalTool, outcome.Reason)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, 0, sessions.OpenCount())
}

func TestRunIterationLimit(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := launchingDispatcher(sessions)
	llm := &scriptedLLM{responses: []string{
		action("launch_browser", `"url": "https://example.com"`),
		action("take_screenshot", ""),
	}}

	runner := newTestRunner(llm, disp, sessions)
	runner.cfg.MaxIterations = 4

	outcome := runner.Run(context.Background(), "never finish")

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, schemas.FailIterationLimit, outcome.Reason)
	assert.Equal(t, 4, outcome.Iterations)
	assert.Equal(t, 0, sessions.OpenCount())
}

func TestRunCancellation(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := launchingDispatcher(sessions)
	llm := &scriptedLLM{responses: []string{
		action("launch_browser", `"url": "https://example.com"`),
		action("take_screenshot", ""),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := newTestRunner(llm, disp, sessions).Run(ctx, "anything")

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, schemas.FailCancelled, outcome.Reason)
	assert.Equal(t, 0, sessions.OpenCount())
}

func TestRunExplicitCloseNotReclosed(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := launchingDispatcher(sessions)
	llm := &scriptedLLM{responses: []string{
		action("launch_browser", `"url": "https://example.com"`),
		action("close_browser", ""),
		"task complete",
	}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "open and close")
	require.True(t, outcome.Succeeded())

	assert.Equal(t, []string{schemas.OpLaunchBrowser, schemas.OpCloseBrowser}, outcome.Dispatched)
	assert.Equal(t, 0, sessions.OpenCount())
}

func TestRunSystemPromptCarriesCatalog(t *testing.T) {
	t.Parallel()
	sessions := session.NewStore(zap.NewNop())
	disp := launchingDispatcher(sessions)
	llm := &scriptedLLM{responses: []string{"task complete"}}

	outcome := newTestRunner(llm, disp, sessions).Run(context.Background(), "noop")
	require.True(t, outcome.Succeeded())

	require.NotEmpty(t, llm.requests)
	system := llm.requests[0].System
	for name, spec := range schemas.Catalog {
		if spec.Control {
			continue
		}
		assert.Contains(t, system, name)
	}
	require.NotEmpty(t, llm.requests[0].Messages)
	assert.Contains(t, llm.requests[0].Messages[0].Content, "Task: noop")
}
