// File: internal/parser/parser.go
// Description: Turns one block of free-form model text into exactly one
// validated ActionRequest. Strict structured extraction always runs first; a
// valid JSON action block wins even if a heuristic match for a different
// operation exists elsewhere in the text. Heuristic extraction scans for
// catalog operation names and pulls nearby arguments with per-operation rules.

package parser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/nullpath/webpilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	fencedBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	urlRegex         = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)
	quotedRegex      = regexp.MustCompile("\"([^\"]*)\"|'([^']*)'|`([^`]*)`")
	intRegex         = regexp.MustCompile(`-?\d+`)
	directionRegex   = regexp.MustCompile(`(?i)\b(up|down)\b`)
)

// completionPhrases end the loop when they appear in a turn that carries no
// parseable action block.
var completionPhrases = []string{
	"task complete",
	"task is complete",
	"task completed",
	"task_complete",
}

// Parser converts model output into ActionRequests.
type Parser struct {
	logger *zap.Logger
}

// New creates a Parser.
func New(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("parser")}
}

// Parse extracts exactly one ActionRequest from raw model text, or fails with
// a *schemas.ParseError. Single action per turn is a loop invariant: if the
// text names several operations, the first structurally valid one wins and
// the rest are ignored.
func (p *Parser) Parse(text string) (*schemas.ActionRequest, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &schemas.ParseError{Reason: schemas.ParseUnparsable, Raw: text}
	}

	if req := p.parseStructured(trimmed); req != nil {
		req.Raw = text
		return req, nil
	}

	if req := p.parseHeuristic(trimmed); req != nil {
		req.Raw = text
		return req, nil
	}

	if containsCompletionPhrase(trimmed) {
		return &schemas.ActionRequest{
			Op:         schemas.OpTaskComplete,
			Args:       map[string]any{},
			Provenance: schemas.ProvenanceHeuristic,
			Raw:        text,
		}, nil
	}

	p.logger.Debug("No action found in model text", zap.Int("length", len(text)))
	return nil, &schemas.ParseError{Reason: schemas.ParseUnparsable, Raw: text}
}

// actionEnvelope is the structured action block format the system prompt asks
// the model for.
type actionEnvelope struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// parseStructured tries every JSON object candidate in document order and
// returns the first one that validates against the catalog.
func (p *Parser) parseStructured(text string) *schemas.ActionRequest {
	for _, candidate := range jsonCandidates(text) {
		var env actionEnvelope
		if err := json.Unmarshal([]byte(candidate), &env); err != nil {
			continue
		}
		if env.Tool == "" {
			continue
		}
		req := &schemas.ActionRequest{
			Op:         env.Tool,
			Args:       copyKnownArgs(env.Tool, env.Parameters),
			Provenance: schemas.ProvenanceStructured,
		}
		if err := validateForParse(req); err != nil {
			p.logger.Debug("Rejected structured candidate", zap.String("tool", env.Tool), zap.Error(err))
			continue
		}
		return req
	}
	return nil
}

// jsonCandidates returns JSON object substrings in document order: fenced
// ```json blocks first at their positions, plus every balanced top-level
// object found by a brace scan.
func jsonCandidates(text string) []string {
	type candidate struct {
		pos  int
		body string
	}
	var found []candidate

	for _, loc := range fencedBlockRegex.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, candidate{pos: loc[0], body: text[loc[2]:loc[3]]})
	}

	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					found = append(found, candidate{pos: start, body: text[start : i+1]})
					start = -1
				}
			}
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	out := make([]string, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, c := range found {
		if _, dup := seen[c.body]; dup {
			continue
		}
		seen[c.body] = struct{}{}
		out = append(out, c.body)
	}
	return out
}

// copyKnownArgs keeps only arguments the catalog defines for op, dropping
// whatever else the model volunteered.
func copyKnownArgs(op string, params map[string]any) map[string]any {
	args := make(map[string]any, len(params))
	spec, ok := schemas.LookupOp(op)
	if !ok {
		return args
	}
	for _, arg := range spec.Args {
		if v, present := params[arg.Name]; present {
			args[arg.Name] = v
		}
	}
	return args
}

// validateForParse is catalog validation minus the session_id requirement:
// the loop injects the current session id before dispatch, so the model is
// not required to echo it.
func validateForParse(req *schemas.ActionRequest) error {
	spec, ok := schemas.LookupOp(req.Op)
	if !ok {
		return &schemas.ParseError{Reason: "unknown operation " + req.Op}
	}
	probe := *req
	probe.Args = make(map[string]any, len(req.Args)+1)
	for k, v := range req.Args {
		probe.Args[k] = v
	}
	if spec.NeedsSession && probe.StringArg("session_id") == "" {
		probe.Args["session_id"] = "pending"
	}
	return schemas.ValidateRequest(&probe)
}

// parseHeuristic scans for catalog operation names as literal tokens in order
// of first appearance and applies per-operation extraction rules to the text
// following the mention.
func (p *Parser) parseHeuristic(text string) *schemas.ActionRequest {
	type mention struct {
		op  string
		pos int
	}
	var mentions []mention
	for name := range schemas.Catalog {
		if name == schemas.OpTaskComplete {
			continue
		}
		if pos := strings.Index(text, name); pos >= 0 {
			mentions = append(mentions, mention{op: name, pos: pos})
		}
	}
	sort.Slice(mentions, func(i, j int) bool { return mentions[i].pos < mentions[j].pos })

	for _, m := range mentions {
		tail := text[m.pos+len(m.op):]
		args, ok := extractArgs(m.op, tail)
		if !ok {
			continue
		}
		req := &schemas.ActionRequest{
			Op:         m.op,
			Args:       args,
			Provenance: schemas.ProvenanceHeuristic,
		}
		if err := validateForParse(req); err != nil {
			continue
		}
		return req
	}
	return nil
}

// extractArgs applies the per-operation heuristic rules to the text following
// an operation mention.
func extractArgs(op, tail string) (map[string]any, bool) {
	args := map[string]any{}
	switch op {
	case schemas.OpLaunchBrowser:
		url := urlRegex.FindString(tail)
		if url == "" {
			return nil, false
		}
		args["url"] = strings.TrimRight(url, ".,;:")

	case schemas.OpClickElement:
		x, y, ok := firstIntPair(tail)
		if !ok {
			return nil, false
		}
		args["x"] = x
		args["y"] = y

	case schemas.OpClickSelector:
		sel, ok := firstQuoted(tail)
		if !ok {
			return nil, false
		}
		args["selector"] = sel

	case schemas.OpTypeText:
		text, ok := firstQuoted(tail)
		if !ok {
			return nil, false
		}
		args["text"] = text

	case schemas.OpExtractData:
		pattern, ok := firstQuoted(tail)
		if !ok {
			return nil, false
		}
		args["pattern"] = pattern

	case schemas.OpScrollPage:
		dir := schemas.ScrollDown
		if m := directionRegex.FindString(tail); m != "" {
			dir = strings.ToLower(m)
		}
		args["direction"] = dir

	case schemas.OpGetDOMStructure:
		if n, ok := firstInt(tail); ok && n > 0 {
			args["max_depth"] = n
		}

	case schemas.OpShowSelectors:
		if filter, ok := firstQuoted(tail); ok {
			args["element_types"] = filter
		}

	case schemas.OpGetPageContent, schemas.OpTakeScreenshot,
		schemas.OpCloseBrowser, schemas.OpClearHighlights:
		// Session-only operations need no extracted arguments.

	default:
		return nil, false
	}
	return args, true
}

func firstQuoted(text string) (string, bool) {
	m := quotedRegex.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	for _, group := range m[1:] {
		if group != "" {
			return group, true
		}
	}
	return "", false
}

func firstInt(text string) (int, bool) {
	m := intRegex.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

func firstIntPair(text string) (int, int, bool) {
	ms := intRegex.FindAllString(text, 2)
	if len(ms) < 2 {
		return 0, 0, false
	}
	x, errX := strconv.Atoi(ms[0])
	y, errY := strconv.Atoi(ms[1])
	if errX != nil || errY != nil || x < 0 || y < 0 {
		return 0, 0, false
	}
	return x, y, true
}

func containsCompletionPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
