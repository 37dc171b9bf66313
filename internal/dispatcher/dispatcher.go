// File: internal/dispatcher/dispatcher.go
// Description: Validates ActionRequests against the fixed catalog and relays
// them to the browser engine. The dispatcher holds no state across calls; it
// resolves the session, runs the operation inside the session's exclusion
// region, and normalizes the outcome into a ToolResult.

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/nullpath/webpilot/api/schemas"
	"github.com/nullpath/webpilot/internal/session"
)

// Dispatcher forwards validated operation calls to the browser engine.
type Dispatcher struct {
	engine   schemas.BrowserEngine
	sessions *session.Store
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(engine schemas.BrowserEngine, sessions *session.Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		sessions: sessions,
		logger:   logger.Named("dispatcher"),
	}
}

// Dispatch validates req, forwards it to the browser engine, and translates
// the response. On failure the returned ToolResult carries the normalized
// error description and err carries the typed error for the caller's retry
// policy. A successful launch_browser registers a new session; a successful
// close_browser makes the session terminal, after which every dispatch against
// it fails with SessionError.
func (d *Dispatcher) Dispatch(ctx context.Context, req *schemas.ActionRequest) (*schemas.ToolResult, error) {
	spec, ok := schemas.LookupOp(req.Op)
	if !ok || spec.Control {
		err := fmt.Errorf("operation %q is not dispatchable", req.Op)
		return errorResult(req.Op, "invalid_arguments", err), err
	}
	if err := schemas.ValidateRequest(req); err != nil {
		return errorResult(req.Op, "invalid_arguments", err), err
	}

	if req.Op == schemas.OpLaunchBrowser {
		return d.launch(ctx, req)
	}

	sessionID := req.StringArg("session_id")
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return errorResult(req.Op, errorKind(err), err), err
	}

	// Terminal sessions reject every operation, including a repeated close.
	if sess.State() == session.StateClosed {
		err := error(&schemas.SessionError{Kind: schemas.SessionClosed, ID: sessionID})
		return errorResult(req.Op, errorKind(err), err), err
	}

	if req.Op == schemas.OpCloseBrowser {
		if err := d.sessions.Close(ctx, sessionID); err != nil {
			err = d.classify(req.Op, err)
			return errorResult(req.Op, errorKind(err), err), err
		}
		return &schemas.ToolResult{
			Op:      req.Op,
			Status:  schemas.ResultOK,
			Payload: fmt.Sprintf("Browser session %s closed successfully", sessionID),
		}, nil
	}

	var payload string
	doErr := sess.Do(func(tab schemas.BrowserTab) error {
		var opErr error
		payload, opErr = d.invoke(ctx, tab, req)
		return opErr
	})
	if doErr != nil {
		doErr = d.classify(req.Op, doErr)
		if schemas.IsFatal(doErr) {
			// The tab is unusable; release it so the handle does not leak.
			if closeErr := d.sessions.Close(ctx, sessionID); closeErr != nil {
				d.logger.Warn("Failed to close session after fatal tool error",
					zap.String("session_id", sessionID), zap.Error(closeErr))
			}
		}
		return errorResult(req.Op, errorKind(doErr), doErr), doErr
	}

	d.logger.Debug("Operation dispatched",
		zap.String("op", req.Op),
		zap.String("session_id", sessionID),
		zap.String("provenance", string(req.Provenance)))

	return &schemas.ToolResult{Op: req.Op, Status: schemas.ResultOK, Payload: payload}, nil
}

// launch opens a new tab and registers the session that owns it.
func (d *Dispatcher) launch(ctx context.Context, req *schemas.ActionRequest) (*schemas.ToolResult, error) {
	url := req.StringArg("url")
	tab, err := d.engine.Launch(ctx, url)
	if err != nil {
		err = d.classify(req.Op, err)
		return errorResult(req.Op, errorKind(err), err), err
	}

	sess := d.sessions.Create(tab, url)
	return &schemas.ToolResult{
		Op:        req.Op,
		Status:    schemas.ResultOK,
		SessionID: sess.ID,
		Payload:   fmt.Sprintf("Browser session %s launched at %s", sess.ID, url),
	}, nil
}

// invoke runs one catalog operation against the tab. Arguments were already
// validated; optional arguments get their documented defaults here.
func (d *Dispatcher) invoke(ctx context.Context, tab schemas.BrowserTab, req *schemas.ActionRequest) (string, error) {
	switch req.Op {
	case schemas.OpClickElement:
		x, _ := req.IntArg("x")
		y, _ := req.IntArg("y")
		return tab.ClickXY(ctx, x, y)
	case schemas.OpClickSelector:
		return tab.ClickSelector(ctx, req.StringArg("selector"))
	case schemas.OpTypeText:
		return tab.TypeText(ctx, req.StringArg("text"))
	case schemas.OpScrollPage:
		return tab.Scroll(ctx, req.StringArg("direction"))
	case schemas.OpGetPageContent:
		return tab.PageContent(ctx)
	case schemas.OpGetDOMStructure:
		depth, ok := req.IntArg("max_depth")
		if !ok || depth == 0 {
			depth = 3
		}
		return tab.DOMStructure(ctx, depth)
	case schemas.OpExtractData:
		return tab.ExtractData(ctx, req.StringArg("pattern"))
	case schemas.OpTakeScreenshot:
		return tab.Screenshot(ctx)
	case schemas.OpClearHighlights:
		return tab.ClearHighlights(ctx)
	case schemas.OpShowSelectors:
		types := req.StringArg("element_types")
		if types == "" {
			types = "interactive"
		}
		return tab.ShowSelectors(ctx, types)
	default:
		return "", fmt.Errorf("operation %q has no handler", req.Op)
	}
}

// classify wraps collaborator faults into the ToolInvocationError taxonomy.
// Typed errors from this package's own layers pass through unchanged.
func (d *Dispatcher) classify(op string, err error) error {
	var (
		sessErr *schemas.SessionError
		toolErr *schemas.ToolInvocationError
	)
	if errors.As(err, &sessErr) || errors.As(err, &toolErr) || schemas.IsFatal(err) {
		return err
	}
	if errors.Is(err, schemas.ErrElementNotFound) {
		return schemas.NewPermanentToolError(op, err)
	}
	if isTransientFault(err) {
		return schemas.NewTransientToolError(op, err)
	}
	return schemas.NewPermanentToolError(op, err)
}

// isTransientFault recognizes faults worth retrying: deadline expiry and
// network-level timeouts or temporary unavailability.
func isTransientFault(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporarily unavailable") ||
		strings.Contains(msg, "connection refused")
}

func errorKind(err error) string {
	var sessErr *schemas.SessionError
	if errors.As(err, &sessErr) {
		if sessErr.Kind == schemas.SessionClosed {
			return "session_closed"
		}
		return "session_not_found"
	}
	if errors.Is(err, schemas.ErrElementNotFound) {
		return "element_not_found"
	}
	if schemas.IsFatal(err) {
		return "fatal"
	}
	if schemas.IsTransient(err) {
		return "tool_transient"
	}
	return "tool_permanent"
}

func errorResult(op, kind string, err error) *schemas.ToolResult {
	return &schemas.ToolResult{
		Op:        op,
		Status:    schemas.ResultError,
		ErrorKind: kind,
		Error:     err.Error(),
	}
}
