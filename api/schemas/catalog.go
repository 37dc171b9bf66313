// File: api/schemas/catalog.go
// Description: The fixed operation catalog. The parser validates extracted
// actions against it and the dispatcher refuses anything outside it, so
// validation happens exactly once at each boundary and never implicitly
// downstream.

package schemas

import "fmt"

// Operation names. These are the only calls the dispatcher will forward.
const (
	OpLaunchBrowser   = "launch_browser"
	OpClickElement    = "click_element"
	OpClickSelector   = "click_selector"
	OpTypeText        = "type_text"
	OpScrollPage      = "scroll_page"
	OpGetPageContent  = "get_page_content"
	OpGetDOMStructure = "get_dom_structure"
	OpExtractData     = "extract_data"
	OpTakeScreenshot  = "take_screenshot"
	OpCloseBrowser    = "close_browser"
	OpClearHighlights = "clear_highlights"
	OpShowSelectors   = "show_selectors"

	// OpTaskComplete is a loop-control pseudo operation. It terminates the
	// run and is never dispatched to the browser.
	OpTaskComplete = "task_complete"
)

// Scroll directions accepted by scroll_page.
const (
	ScrollUp   = "up"
	ScrollDown = "down"
)

// ArgKind is the primitive type an operation argument must carry.
type ArgKind string

const (
	ArgString ArgKind = "string"
	ArgInt    ArgKind = "int"
)

// ArgSpec describes one argument of a catalog operation.
type ArgSpec struct {
	Name     string
	Kind     ArgKind
	Required bool
}

// OpSpec describes one catalog operation: its arguments, whether it operates
// on an existing session, and a short description used to build the system
// prompt shown to the model.
type OpSpec struct {
	Name         string
	Description  string
	NeedsSession bool
	Control      bool // loop-control pseudo op, not dispatchable
	Args         []ArgSpec
}

// Catalog is the fixed set of operations, keyed by name.
var Catalog = map[string]OpSpec{
	OpLaunchBrowser: {
		Name:        OpLaunchBrowser,
		Description: "Launch a new browser session and navigate to the specified URL",
		Args:        []ArgSpec{{Name: "url", Kind: ArgString, Required: true}},
	},
	OpClickElement: {
		Name:         OpClickElement,
		Description:  "Click at specific coordinates in the browser window",
		NeedsSession: true,
		Args: []ArgSpec{
			{Name: "session_id", Kind: ArgString, Required: true},
			{Name: "x", Kind: ArgInt, Required: true},
			{Name: "y", Kind: ArgInt, Required: true},
		},
	},
	OpClickSelector: {
		Name:         OpClickSelector,
		Description:  "Click an element identified by a CSS selector",
		NeedsSession: true,
		Args: []ArgSpec{
			{Name: "session_id", Kind: ArgString, Required: true},
			{Name: "selector", Kind: ArgString, Required: true},
		},
	},
	OpTypeText: {
		Name:         OpTypeText,
		Description:  "Type text into the currently focused element",
		NeedsSession: true,
		Args: []ArgSpec{
			{Name: "session_id", Kind: ArgString, Required: true},
			{Name: "text", Kind: ArgString, Required: true},
		},
	},
	OpScrollPage: {
		Name:         OpScrollPage,
		Description:  "Scroll the page up or down by one viewport height",
		NeedsSession: true,
		Args: []ArgSpec{
			{Name: "session_id", Kind: ArgString, Required: true},
			{Name: "direction", Kind: ArgString, Required: true},
		},
	},
	OpGetPageContent: {
		Name:         OpGetPageContent,
		Description:  "Get the visible text content of the current page",
		NeedsSession: true,
		Args:         []ArgSpec{{Name: "session_id", Kind: ArgString, Required: true}},
	},
	OpGetDOMStructure: {
		Name:         OpGetDOMStructure,
		Description:  "Get a simplified, depth-limited DOM tree of the current page",
		NeedsSession: true,
		Args: []ArgSpec{
			{Name: "session_id", Kind: ArgString, Required: true},
			{Name: "max_depth", Kind: ArgInt, Required: false},
		},
	},
	OpExtractData: {
		Name:         OpExtractData,
		Description:  "Extract structured data from the page based on a pattern (e.g. 'product prices', 'article headlines')",
		NeedsSession: true,
		Args: []ArgSpec{
			{Name: "session_id", Kind: ArgString, Required: true},
			{Name: "pattern", Kind: ArgString, Required: true},
		},
	},
	OpTakeScreenshot: {
		Name:         OpTakeScreenshot,
		Description:  "Take a screenshot of the current browser window",
		NeedsSession: true,
		Args:         []ArgSpec{{Name: "session_id", Kind: ArgString, Required: true}},
	},
	OpCloseBrowser: {
		Name:         OpCloseBrowser,
		Description:  "Close a browser session",
		NeedsSession: true,
		Args:         []ArgSpec{{Name: "session_id", Kind: ArgString, Required: true}},
	},
	OpClearHighlights: {
		Name:         OpClearHighlights,
		Description:  "Remove all debug highlight overlays from the page",
		NeedsSession: true,
		Args:         []ArgSpec{{Name: "session_id", Kind: ArgString, Required: true}},
	},
	OpShowSelectors: {
		Name:         OpShowSelectors,
		Description:  "Overlay selector markers for interactive elements (optional element_types filter: buttons, inputs, links, interactive, all)",
		NeedsSession: true,
		Args: []ArgSpec{
			{Name: "session_id", Kind: ArgString, Required: true},
			{Name: "element_types", Kind: ArgString, Required: false},
		},
	},
	OpTaskComplete: {
		Name:        OpTaskComplete,
		Description: "Signal that the task is finished",
		Control:     true,
	},
}

// LookupOp returns the catalog entry for name.
func LookupOp(name string) (OpSpec, bool) {
	spec, ok := Catalog[name]
	return spec, ok
}

// ValidateRequest checks an ActionRequest against the catalog: the operation
// must exist and every required argument must be present with the correct
// primitive type and range. Coordinates and depths must be non-negative
// integers; scroll directions must be "up" or "down".
func ValidateRequest(req *ActionRequest) error {
	spec, ok := Catalog[req.Op]
	if !ok {
		return fmt.Errorf("unknown operation %q", req.Op)
	}
	for _, arg := range spec.Args {
		val, present := req.Args[arg.Name]
		if !present {
			if arg.Required {
				return fmt.Errorf("%s: missing required argument %q", req.Op, arg.Name)
			}
			continue
		}
		switch arg.Kind {
		case ArgString:
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("%s: argument %q must be a string", req.Op, arg.Name)
			}
			if arg.Required && s == "" {
				return fmt.Errorf("%s: argument %q must not be empty", req.Op, arg.Name)
			}
		case ArgInt:
			n, ok := req.IntArg(arg.Name)
			if !ok {
				return fmt.Errorf("%s: argument %q must be an integer", req.Op, arg.Name)
			}
			if n < 0 {
				return fmt.Errorf("%s: argument %q must be non-negative", req.Op, arg.Name)
			}
		}
	}
	if req.Op == OpScrollPage {
		if dir := req.StringArg("direction"); dir != ScrollUp && dir != ScrollDown {
			return fmt.Errorf("%s: direction must be %q or %q", req.Op, ScrollUp, ScrollDown)
		}
	}
	return nil
}
