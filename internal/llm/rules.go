package llm

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// RulesPlanner is the deterministic offline planner. It pattern-matches
// the latest user message against a fixed rule set and resolves tool
// names fuzzily against whatever tools the request offers, so it keeps
// working whichever submodels the twin exposes.
type RulesPlanner struct {
	log logr.Logger
}

// NewRulesPlanner creates the planner.
func NewRulesPlanner(log logr.Logger) *RulesPlanner {
	return &RulesPlanner{log: log}
}

func (r *RulesPlanner) Name() string { return "rules" }

var politePrefixes = []string{
	"please ", "could you ", "can you ", "would you ", "will you ",
	"i want to ", "i need to ", "i would like to ", "i'd like to ",
	"hey ", "hi ", "kindly ",
}

func normalize(message string) string {
	m := strings.ToLower(strings.TrimSpace(message))
	for changed := true; changed; {
		changed = false
		for _, p := range politePrefixes {
			if strings.HasPrefix(m, p) {
				m = strings.TrimPrefix(m, p)
				changed = true
			}
		}
	}
	return m
}

var (
	reSetSpeed       = regexp.MustCompile(`set(?:ting)?\s+(?:the\s+)?(?:motor\s+)?speed\s+(?:to\s+)?(-?\d+(?:\.\d+)?)`)
	reSetTemperature = regexp.MustCompile(`set(?:ting)?\s+(?:the\s+)?temperature\s+(?:to\s+)?(-?\d+(?:\.\d+)?)`)
	reGenericSet     = regexp.MustCompile(`set(?:ting)?\s+(?:the\s+)?([a-z0-9_]+)\s+(?:to\s+)?(-?\d+(?:\.\d+)?)`)
	reGenericGet     = regexp.MustCompile(`(?:get|read|show|check)\s+(?:the\s+)?([a-z0-9_]+)`)
	reGenericCall    = regexp.MustCompile(`(?:call|invoke|run|execute)\s+(?:the\s+)?([a-z0-9_]+)`)
)

// Complete matches the latest user message against the rule set. The
// returned response always carries at most one tool call.
func (r *RulesPlanner) Complete(_ context.Context, req *Request) (*Response, error) {
	var message string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			message = req.Messages[i].Content
			break
		}
	}
	norm := normalize(message)
	simulate, explicit := parseSimulate(norm)

	call := r.matchSpecific(norm, req.Tools)
	if call == nil {
		call = r.matchGeneric(norm, req.Tools)
	}
	if call == nil {
		return &Response{Text: helpText(req.Tools)}, nil
	}

	// The flag is attached only when the message actually stated an
	// intent; an absent flag lets the kernel's forcing rules decide.
	if explicit {
		call.Args["simulate"] = simulate
	}
	call.Args["safety_reasoning"] = fmt.Sprintf("Deterministic rule match for request: %q", strings.TrimSpace(message))
	call.ID = "rule-" + uuid.NewString()[:8]
	return &Response{ToolCalls: []ToolCall{*call}}, nil
}

// parseSimulate reads the caller's simulation intent from the message.
// "Real" phrasing wins over simulation phrasing. The second return
// reports whether the message stated any intent at all; when it did
// not, the produced call omits the flag and policy decides.
func parseSimulate(norm string) (bool, bool) {
	for _, real := range []string{"simulate=false", "simulate false", "for real", "no simulation", "not a simulation", "actually "} {
		if strings.Contains(norm, real) {
			return false, true
		}
	}
	for _, sim := range []string{"simulat", "dry run", "dry-run", "as a test", "test run"} {
		if strings.Contains(norm, sim) {
			return true, true
		}
	}
	return false, false
}

func (r *RulesPlanner) matchSpecific(norm string, tools []ToolDefinition) *ToolCall {
	switch {
	case strings.Contains(norm, "emergency stop") || strings.Contains(norm, "e-stop"):
		if name, ok := resolveTool("EmergencyStop", tools); ok {
			return &ToolCall{Name: name, Args: map[string]any{}}
		}
	case strings.Contains(norm, "start") && strings.Contains(norm, "pump"):
		if name, ok := resolveTool("StartPump", tools); ok {
			return &ToolCall{Name: name, Args: map[string]any{}}
		}
	case strings.Contains(norm, "stop") && strings.Contains(norm, "pump"):
		if name, ok := resolveTool("StopPump", tools); ok {
			return &ToolCall{Name: name, Args: map[string]any{}}
		}
	}

	if m := reSetSpeed.FindStringSubmatch(norm); m != nil {
		if name, ok := resolveTool("SetSpeed", tools); ok {
			return &ToolCall{Name: name, Args: numericArg(findTool(name, tools), m[1])}
		}
	}
	if m := reSetTemperature.FindStringSubmatch(norm); m != nil {
		if name, ok := resolveTool("SetTemperature", tools); ok {
			return &ToolCall{Name: name, Args: numericArg(findTool(name, tools), m[1])}
		}
	}
	if strings.Contains(norm, "temperature") {
		if name, ok := resolveTool("ReadTemperature", tools); ok {
			return &ToolCall{Name: name, Args: map[string]any{}}
		}
	}
	if strings.Contains(norm, "status") || strings.Contains(norm, "state") {
		if name, ok := resolveTool("GetStatus", tools); ok {
			return &ToolCall{Name: name, Args: map[string]any{}}
		}
	}
	return nil
}

func (r *RulesPlanner) matchGeneric(norm string, tools []ToolDefinition) *ToolCall {
	if m := reGenericSet.FindStringSubmatch(norm); m != nil {
		if name, ok := resolveTool("set "+m[1], tools); ok {
			return &ToolCall{Name: name, Args: numericArg(findTool(name, tools), m[2])}
		}
	}
	if m := reGenericGet.FindStringSubmatch(norm); m != nil {
		if name, ok := resolveTool("get "+m[1], tools); ok {
			return &ToolCall{Name: name, Args: map[string]any{}}
		}
	}
	if m := reGenericCall.FindStringSubmatch(norm); m != nil {
		if name, ok := resolveTool(m[1], tools); ok {
			return &ToolCall{Name: name, Args: map[string]any{}}
		}
	}
	return nil
}

// resolveTool maps a wanted name to an offered tool: case-insensitive
// equality first, then substring containment, then the largest
// shared-word count.
func resolveTool(wanted string, tools []ToolDefinition) (string, bool) {
	wl := strings.ToLower(strings.ReplaceAll(wanted, " ", ""))
	for _, t := range tools {
		if strings.ToLower(t.Name) == wl {
			return t.Name, true
		}
	}
	for _, t := range tools {
		nl := strings.ToLower(t.Name)
		if strings.Contains(nl, wl) || strings.Contains(wl, nl) {
			return t.Name, true
		}
	}

	wantWords := splitWords(wanted)
	best, bestShared := "", 0
	for _, t := range tools {
		shared := sharedWordCount(wantWords, splitWords(t.Name))
		if shared > bestShared {
			best, bestShared = t.Name, shared
		}
	}
	return best, bestShared > 0
}

// splitWords breaks a name on camel-case boundaries and separators.
func splitWords(name string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			flush()
			cur.WriteRune(r)
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}

func sharedWordCount(a, b []string) int {
	set := map[string]bool{}
	for _, w := range a {
		set[w] = true
	}
	n := 0
	for _, w := range b {
		if set[w] {
			n++
		}
	}
	return n
}

func findTool(name string, tools []ToolDefinition) *ToolDefinition {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}

// numericArg builds the argument map for a single-number call, naming
// the argument after the tool's first domain input.
func numericArg(tool *ToolDefinition, raw string) map[string]any {
	args := map[string]any{}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return args
	}
	if tool == nil {
		return args
	}
	props, _ := tool.InputSchema["properties"].(map[string]any)
	var names []string
	for name := range props {
		if name == "simulate" || name == "safety_reasoning" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return args
	}
	sort.Strings(names)
	args[names[0]] = v
	return args
}

func helpText(tools []ToolDefinition) string {
	if len(tools) == 0 {
		return "I could not match that request to an operation, and no operations are currently available."
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	sort.Strings(names)
	return "I could not match that request to an operation. Available operations: " + strings.Join(names, ", ") + "."
}
