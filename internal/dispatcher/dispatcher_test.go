package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nullpath/webpilot/api/schemas"
	"github.com/nullpath/webpilot/internal/session"
)

// mockTab records calls and returns scripted results per operation.
type mockTab struct {
	calls  []string
	err    error
	closed bool
}

func (m *mockTab) record(name string) (string, error) {
	m.calls = append(m.calls, name)
	if m.err != nil {
		return "", m.err
	}
	return name + " ok", nil
}

func (m *mockTab) ClickXY(ctx context.Context, x, y int) (string, error) {
	return m.record(fmt.Sprintf("click %d,%d", x, y))
}
func (m *mockTab) ClickSelector(ctx context.Context, sel string) (string, error) {
	return m.record("click_selector " + sel)
}
func (m *mockTab) TypeText(ctx context.Context, text string) (string, error) {
	return m.record("type " + text)
}
func (m *mockTab) Scroll(ctx context.Context, dir string) (string, error) {
	return m.record("scroll " + dir)
}
func (m *mockTab) PageContent(ctx context.Context) (string, error) { return m.record("content") }
func (m *mockTab) DOMStructure(ctx context.Context, depth int) (string, error) {
	return m.record(fmt.Sprintf("dom depth=%d", depth))
}
func (m *mockTab) ExtractData(ctx context.Context, pattern string) (string, error) {
	return m.record("extract " + pattern)
}
func (m *mockTab) Screenshot(ctx context.Context) (string, error) { return m.record("screenshot") }
func (m *mockTab) ClearHighlights(ctx context.Context) (string, error) {
	return m.record("clear")
}
func (m *mockTab) ShowSelectors(ctx context.Context, types string) (string, error) {
	return m.record("selectors " + types)
}
func (m *mockTab) CurrentURL(ctx context.Context) (string, error) { return m.record("url") }
func (m *mockTab) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

// mockEngine hands out mockTabs.
type mockEngine struct {
	tab       *mockTab
	launchErr error
	launched  []string
}

func (m *mockEngine) Launch(ctx context.Context, url string) (schemas.BrowserTab, error) {
	if m.launchErr != nil {
		return nil, m.launchErr
	}
	m.launched = append(m.launched, url)
	if m.tab == nil {
		m.tab = &mockTab{}
	}
	return m.tab, nil
}

func (m *mockEngine) Shutdown(ctx context.Context) error { return nil }

func newTestDispatcher(engine *mockEngine) (*Dispatcher, *session.Store) {
	sessions := session.NewStore(zap.NewNop())
	return New(engine, sessions, zap.NewNop()), sessions
}

func launchSession(t *testing.T, d *Dispatcher) string {
	t.Helper()
	result, err := d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpLaunchBrowser,
		Args: map[string]any{"url": "https://example.com"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID)
	return result.SessionID
}

func TestDispatchLaunchRegistersSession(t *testing.T) {
	t.Parallel()
	engine := &mockEngine{}
	d, sessions := newTestDispatcher(engine)

	id := launchSession(t, d)

	assert.Equal(t, []string{"https://example.com"}, engine.launched)
	assert.Equal(t, 1, sessions.OpenCount())

	s, err := sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", s.URL())
}

func TestDispatchUnknownOperation(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(&mockEngine{})

	result, err := d.Dispatch(context.Background(), &schemas.ActionRequest{Op: "explode"})
	require.Error(t, err)
	assert.Equal(t, schemas.ResultError, result.Status)
	assert.Equal(t, "invalid_arguments", result.ErrorKind)
}

func TestDispatchControlOpRefused(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(&mockEngine{})

	_, err := d.Dispatch(context.Background(), &schemas.ActionRequest{Op: schemas.OpTaskComplete})
	require.Error(t, err)
}

func TestDispatchInvalidArguments(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(&mockEngine{})

	result, err := d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpLaunchBrowser,
		Args: map[string]any{},
	})
	require.Error(t, err)
	assert.Equal(t, "invalid_arguments", result.ErrorKind)
}

func TestDispatchUnknownSession(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(&mockEngine{})

	result, err := d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpTakeScreenshot,
		Args: map[string]any{"session_id": "ghost"},
	})
	var sessErr *schemas.SessionError
	require.True(t, errors.As(err, &sessErr))
	assert.Equal(t, schemas.SessionNotFound, sessErr.Kind)
	assert.Equal(t, "session_not_found", result.ErrorKind)
}

func TestDispatchOperationsReachTab(t *testing.T) {
	t.Parallel()
	engine := &mockEngine{tab: &mockTab{}}
	d, _ := newTestDispatcher(engine)
	id := launchSession(t, d)

	cases := []struct {
		req  *schemas.ActionRequest
		want string
	}{
		{&schemas.ActionRequest{Op: schemas.OpClickElement, Args: map[string]any{"session_id": id, "x": 10, "y": 20}}, "click 10,20"},
		{&schemas.ActionRequest{Op: schemas.OpClickSelector, Args: map[string]any{"session_id": id, "selector": "#go"}}, "click_selector #go"},
		{&schemas.ActionRequest{Op: schemas.OpTypeText, Args: map[string]any{"session_id": id, "text": "hi"}}, "type hi"},
		{&schemas.ActionRequest{Op: schemas.OpScrollPage, Args: map[string]any{"session_id": id, "direction": "down"}}, "scroll down"},
		{&schemas.ActionRequest{Op: schemas.OpGetPageContent, Args: map[string]any{"session_id": id}}, "content"},
		{&schemas.ActionRequest{Op: schemas.OpGetDOMStructure, Args: map[string]any{"session_id": id}}, "dom depth=3"},
		{&schemas.ActionRequest{Op: schemas.OpGetDOMStructure, Args: map[string]any{"session_id": id, "max_depth": 5}}, "dom depth=5"},
		{&schemas.ActionRequest{Op: schemas.OpExtractData, Args: map[string]any{"session_id": id, "pattern": "form fields"}}, "extract form fields"},
		{&schemas.ActionRequest{Op: schemas.OpTakeScreenshot, Args: map[string]any{"session_id": id}}, "screenshot"},
		{&schemas.ActionRequest{Op: schemas.OpClearHighlights, Args: map[string]any{"session_id": id}}, "clear"},
		{&schemas.ActionRequest{Op: schemas.OpShowSelectors, Args: map[string]any{"session_id": id}}, "selectors interactive"},
		{&schemas.ActionRequest{Op: schemas.OpShowSelectors, Args: map[string]any{"session_id": id, "element_types": "links"}}, "selectors links"},
	}

	for _, tc := range cases {
		result, err := d.Dispatch(context.Background(), tc.req)
		require.NoError(t, err, "op %s", tc.req.Op)
		assert.Equal(t, schemas.ResultOK, result.Status)
		assert.Equal(t, tc.want+" ok", result.Payload)
	}
}

func TestDispatchCloseBrowser(t *testing.T) {
	t.Parallel()
	engine := &mockEngine{tab: &mockTab{}}
	d, sessions := newTestDispatcher(engine)
	id := launchSession(t, d)

	result, err := d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpCloseBrowser,
		Args: map[string]any{"session_id": id},
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.ResultOK, result.Status)
	assert.True(t, engine.tab.closed)
	assert.Equal(t, 0, sessions.OpenCount())

	// Dispatching against the closed session now fails as Closed.
	_, err = d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpTakeScreenshot,
		Args: map[string]any{"session_id": id},
	})
	var sessErr *schemas.SessionError
	require.True(t, errors.As(err, &sessErr))
	assert.Equal(t, schemas.SessionClosed, sessErr.Kind)
}

func TestDispatchCloseBrowserTwice(t *testing.T) {
	t.Parallel()
	engine := &mockEngine{tab: &mockTab{}}
	d, _ := newTestDispatcher(engine)
	id := launchSession(t, d)

	_, err := d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpCloseBrowser,
		Args: map[string]any{"session_id": id},
	})
	require.NoError(t, err)

	// A second close must not report success against a terminal session.
	result, err := d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpCloseBrowser,
		Args: map[string]any{"session_id": id},
	})
	var sessErr *schemas.SessionError
	require.True(t, errors.As(err, &sessErr))
	assert.Equal(t, schemas.SessionClosed, sessErr.Kind)
	assert.Equal(t, schemas.ResultError, result.Status)
	assert.Equal(t, "session_closed", result.ErrorKind)
}

func TestDispatchElementNotFoundIsPermanent(t *testing.T) {
	t.Parallel()
	tab := &mockTab{err: fmt.Errorf("%w: selector \"#gone\"", schemas.ErrElementNotFound)}
	engine := &mockEngine{tab: tab}
	d, _ := newTestDispatcher(engine)
	id := launchSession(t, d)

	result, err := d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpClickSelector,
		Args: map[string]any{"session_id": id, "selector": "#gone"},
	})
	require.Error(t, err)
	assert.False(t, schemas.IsTransient(err))
	assert.Equal(t, "element_not_found", result.ErrorKind)
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	tab := &mockTab{err: context.DeadlineExceeded}
	engine := &mockEngine{tab: tab}
	d, _ := newTestDispatcher(engine)
	id := launchSession(t, d)

	result, err := d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpGetPageContent,
		Args: map[string]any{"session_id": id},
	})
	require.Error(t, err)
	assert.True(t, schemas.IsTransient(err))
	assert.Equal(t, "tool_transient", result.ErrorKind)
}

func TestDispatchFatalClosesSession(t *testing.T) {
	t.Parallel()
	tab := &mockTab{err: fmt.Errorf("%w: tab is gone", schemas.ErrEngineFatal)}
	engine := &mockEngine{tab: tab}
	d, sessions := newTestDispatcher(engine)
	id := launchSession(t, d)

	result, err := d.Dispatch(context.Background(), &schemas.ActionRequest{
		Op:   schemas.OpGetPageContent,
		Args: map[string]any{"session_id": id},
	})
	require.Error(t, err)
	assert.True(t, schemas.IsFatal(err))
	assert.Equal(t, "fatal", result.ErrorKind)
	assert.Equal(t, 0, sessions.OpenCount())
}
