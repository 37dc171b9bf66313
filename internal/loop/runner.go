// File: internal/loop/runner.go
// Description: The execution loop: prompt, parse, dispatch, observe, decide.
// One Runner executes one task to a terminal outcome. Browser sessions opened
// during the run are closed before Run returns, on every exit path.

package loop

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nullpath/webpilot/api/schemas"
	"github.com/nullpath/webpilot/internal/config"
	"github.com/nullpath/webpilot/internal/conversation"
	"github.com/nullpath/webpilot/internal/parser"
	"github.com/nullpath/webpilot/internal/session"
)

// cleanupTimeout bounds session teardown after the run's own context is gone.
const cleanupTimeout = 15 * time.Second

// ActionDispatcher executes one validated operation. Satisfied by
// *dispatcher.Dispatcher.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, req *schemas.ActionRequest) (*schemas.ToolResult, error)
}

// Runner drives a single task through the execution loop.
type Runner struct {
	llm        schemas.LLMClient
	dispatcher ActionDispatcher
	sessions   *session.Store
	parser     *parser.Parser
	cfg        config.AgentConfig
	llmOpts    schemas.GenerationOptions
	logger     *zap.Logger
	limiter    *rate.Limiter
	recorder   schemas.RunRecorder

	convoOpts []conversation.Option
}

// Option customizes a Runner.
type Option func(*Runner)

// WithRecorder attaches a run recorder for step-level persistence.
func WithRecorder(rec schemas.RunRecorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithConversationOptions forwards options to the conversation state. Used by
// tests to inject a deterministic token counter.
func WithConversationOptions(opts ...conversation.Option) Option {
	return func(r *Runner) { r.convoOpts = opts }
}

// NewRunner assembles a Runner from its collaborators.
func NewRunner(
	llm schemas.LLMClient,
	disp ActionDispatcher,
	sessions *session.Store,
	cfg config.AgentConfig,
	llmCfg config.LLMConfig,
	logger *zap.Logger,
	opts ...Option,
) *Runner {
	r := &Runner{
		llm:        llm,
		dispatcher: disp,
		sessions:   sessions,
		parser:     parser.New(logger),
		cfg:        cfg,
		llmOpts: schemas.GenerationOptions{
			Temperature: llmCfg.Temperature,
			MaxTokens:   llmCfg.MaxTokens,
		},
		logger:  logger.Named("loop"),
		limiter: rate.NewLimiter(rate.Every(cfg.ActionInterval), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes task until completion, failure, or cancellation. It always
// returns a terminal TaskOutcome; it never panics the run away.
func (r *Runner) Run(ctx context.Context, task string) schemas.TaskOutcome {
	runID := uuid.NewString()
	logger := r.logger.With(zap.String("run_id", runID))
	logger.Info("Task run starting", zap.String("task", task))

	convo, err := conversation.New(r.cfg.TokenBudget, r.cfg.ProtectedTail, logger, r.convoOpts...)
	if err != nil {
		return schemas.TaskOutcome{Status: schemas.TaskFailed, Err: err}
	}
	convo.Append(conversation.RoleSystem, systemPrompt())
	convo.Append(conversation.RoleUser, firstUserMessage(task))

	r.recordCreate(ctx, runID, task)

	st := &runState{opened: make(map[string]struct{})}
	outcome := r.runLoop(ctx, runID, convo, st)

	// Cleanup must run even when ctx is already cancelled.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	r.closeOpenedSessions(cleanupCtx, st, logger)
	r.recordFinish(cleanupCtx, runID, outcome)

	logger.Info("Task run finished",
		zap.String("status", string(outcome.Status)),
		zap.String("reason", string(outcome.Reason)),
		zap.Int("iterations", outcome.Iterations),
		zap.Int("dispatched", len(outcome.Dispatched)))
	return outcome
}

// runState tracks per-run progress across iterations.
type runState struct {
	iteration      int
	parseFailures  int
	dispatched     []string
	currentSession string
	opened         map[string]struct{}
}

func (r *Runner) runLoop(ctx context.Context, runID string, convo *conversation.State, st *runState) schemas.TaskOutcome {
	for st.iteration < r.cfg.MaxIterations {
		st.iteration++

		// Paces actions and observes cancellation in one place.
		if err := r.limiter.Wait(ctx); err != nil {
			return r.outcome(st, schemas.TaskFailed, schemas.FailCancelled, ctx.Err())
		}

		response, err := r.generate(ctx, convo)
		if err != nil {
			if ctx.Err() != nil {
				return r.outcome(st, schemas.TaskFailed, schemas.FailCancelled, ctx.Err())
			}
			return r.outcome(st, schemas.TaskFailed, "", err)
		}
		convo.Append(conversation.RoleModel, response)

		req, err := r.parser.Parse(response)
		if err != nil {
			st.parseFailures++
			r.recordStep(ctx, runID, st.iteration, "", schemas.ResultError, "unparsable response")
			if st.parseFailures >= r.cfg.MaxParseFailures {
				return r.outcome(st, schemas.TaskFailed, schemas.FailUnparsableRepeatedly, err)
			}
			convo.Append(conversation.RoleObservation, unparsableMessage)
			continue
		}
		st.parseFailures = 0

		if req.Op == schemas.OpTaskComplete {
			r.recordStep(ctx, runID, st.iteration, req.Op, schemas.ResultOK, "")
			return r.outcome(st, schemas.TaskComplete, "", nil)
		}

		if msg, ok := r.bindSession(req, st); !ok {
			convo.Append(conversation.RoleObservation, msg)
			continue
		}

		result, err := r.dispatchWithRetry(ctx, req)
		if err != nil {
			if schemas.IsFatal(err) {
				r.recordStep(ctx, runID, st.iteration, req.Op, schemas.ResultError, err.Error())
				return r.outcome(st, schemas.TaskFailed, schemas.FailFatalTool, err)
			}
			if ctx.Err() != nil {
				return r.outcome(st, schemas.TaskFailed, schemas.FailCancelled, ctx.Err())
			}
			r.recordStep(ctx, runID, st.iteration, req.Op, schemas.ResultError, err.Error())
			convo.Append(conversation.RoleObservation, failureMessage(req.Op, err))
			continue
		}

		st.dispatched = append(st.dispatched, req.Op)
		r.trackSession(req, result, st)
		r.recordStep(ctx, runID, st.iteration, req.Op, schemas.ResultOK, result.Payload)
		convo.Append(conversation.RoleObservation, observationMessage(result.Payload))
	}

	return r.outcome(st, schemas.TaskFailed, schemas.FailIterationLimit, nil)
}

// generate builds the provider request from the retained conversation. The
// protected head system message travels in the dedicated system slot; every
// other role maps onto the provider's two-role chat shape.
func (r *Runner) generate(ctx context.Context, convo *conversation.State) (string, error) {
	snapshot := convo.Snapshot()
	req := schemas.GenerationRequest{Options: r.llmOpts}
	req.Messages = make([]schemas.ChatMessage, 0, len(snapshot))
	for _, msg := range snapshot {
		switch msg.Role {
		case conversation.RoleSystem:
			req.System = msg.Content
		case conversation.RoleModel:
			req.Messages = append(req.Messages, schemas.ChatMessage{Role: schemas.RoleModel, Content: msg.Content})
		default:
			req.Messages = append(req.Messages, schemas.ChatMessage{Role: schemas.RoleUser, Content: msg.Content})
		}
	}
	return r.llm.GenerateResponse(ctx, req)
}

// bindSession injects the run's current session id into a session-scoped
// request the model left unbound. It reports false with a corrective
// observation when no session is open yet.
func (r *Runner) bindSession(req *schemas.ActionRequest, st *runState) (string, bool) {
	spec, ok := schemas.LookupOp(req.Op)
	if !ok || !spec.NeedsSession {
		return "", true
	}
	if req.StringArg("session_id") != "" {
		return "", true
	}
	if st.currentSession == "" {
		return "No browser session is open. Launch one with launch_browser first.", false
	}
	if req.Args == nil {
		req.Args = make(map[string]any, 1)
	}
	req.Args["session_id"] = st.currentSession
	return "", true
}

// trackSession updates the run's session bookkeeping after a successful
// dispatch.
func (r *Runner) trackSession(req *schemas.ActionRequest, result *schemas.ToolResult, st *runState) {
	if result.SessionID != "" {
		st.currentSession = result.SessionID
		st.opened[result.SessionID] = struct{}{}
	}
	if req.Op == schemas.OpCloseBrowser {
		closed := req.StringArg("session_id")
		delete(st.opened, closed)
		if closed == st.currentSession {
			st.currentSession = ""
		}
	}
}

// dispatchWithRetry dispatches req, retrying transient failures on a constant
// backoff. Permanent failures stop retrying immediately, so an operation is
// recorded as succeeded at most once.
func (r *Runner) dispatchWithRetry(ctx context.Context, req *schemas.ActionRequest) (*schemas.ToolResult, error) {
	var result *schemas.ToolResult

	operation := func() error {
		res, err := r.dispatcher.Dispatch(ctx, req)
		if err != nil {
			if schemas.IsTransient(err) {
				r.logger.Warn("Transient tool failure, retrying",
					zap.String("op", req.Op), zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(r.cfg.RetryBackoff),
		uint64(r.cfg.DispatchAttempts-1),
	)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}
	return result, nil
}

// closeOpenedSessions enforces the cleanup guarantee: every session this run
// opened and did not explicitly close is closed before Run returns.
func (r *Runner) closeOpenedSessions(ctx context.Context, st *runState, logger *zap.Logger) {
	for id := range st.opened {
		if err := r.sessions.Close(ctx, id); err != nil {
			var sessErr *schemas.SessionError
			if errors.As(err, &sessErr) {
				continue
			}
			logger.Warn("Failed to close session during run cleanup",
				zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (r *Runner) outcome(st *runState, status schemas.TaskStatus, reason schemas.FailReason, err error) schemas.TaskOutcome {
	return schemas.TaskOutcome{
		Status:     status,
		Reason:     reason,
		Iterations: st.iteration,
		Dispatched: st.dispatched,
		Err:        err,
	}
}

// Recorder calls are nil-safe so the loop never depends on persistence being
// configured.

func (r *Runner) recordCreate(ctx context.Context, runID, task string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.CreateRun(ctx, runID, task); err != nil {
		r.logger.Warn("Failed to persist run record", zap.Error(err))
	}
}

func (r *Runner) recordStep(ctx context.Context, runID string, seq int, op string, status schemas.ResultStatus, detail string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordStep(ctx, runID, seq, op, status, detail); err != nil {
		r.logger.Warn("Failed to persist step record", zap.Error(err))
	}
}

func (r *Runner) recordFinish(ctx context.Context, runID string, outcome schemas.TaskOutcome) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.FinishRun(ctx, runID, outcome.Status, outcome.Reason); err != nil {
		r.logger.Warn("Failed to persist run outcome", zap.Error(err))
	}
}
