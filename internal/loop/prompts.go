// File: internal/loop/prompts.go
package loop

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nullpath/webpilot/api/schemas"
)

// systemPrompt renders the instruction block sent as the protected head of
// every conversation. The tool list is generated from the catalog so prompt
// and validation can never drift apart.
func systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You are a browser automation agent. You control a real web browser to accomplish the task given by the user.

You have the following tools available:

`)
	b.WriteString(toolListing())
	b.WriteString(`
Rules:
1. Respond with EXACTLY ONE action per turn, as a JSON object in this format:

` + "```json" + `
{"tool": "<tool_name>", "parameters": {<arguments>}}
` + "```" + `

2. Start by launching a browser with launch_browser before any other action.
3. After each action you receive an observation with the result. Use it to decide your next step.
4. When the task is fully accomplished, respond with the phrase "task complete" instead of an action.
5. If an action fails, try a different approach instead of repeating it.`)
	return b.String()
}

// toolListing renders one line per dispatchable catalog operation, in stable
// name order.
func toolListing() string {
	names := make([]string, 0, len(schemas.Catalog))
	for name, spec := range schemas.Catalog {
		if spec.Control {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		spec := schemas.Catalog[name]
		args := make([]string, 0, len(spec.Args))
		for _, arg := range spec.Args {
			// The loop fills session_id in; the model need not echo it.
			if arg.Name == "session_id" {
				continue
			}
			kind := "string"
			if arg.Kind == schemas.ArgInt {
				kind = "integer"
			}
			if arg.Required {
				args = append(args, fmt.Sprintf("%s (%s)", arg.Name, kind))
			} else {
				args = append(args, fmt.Sprintf("%s (%s, optional)", arg.Name, kind))
			}
		}
		if len(args) == 0 {
			fmt.Fprintf(&b, "- %s: %s\n", name, spec.Description)
		} else {
			fmt.Fprintf(&b, "- %s: %s. Parameters: %s\n", name, spec.Description, strings.Join(args, ", "))
		}
	}
	return b.String()
}

// firstUserMessage seeds the conversation with the task.
func firstUserMessage(task string) string {
	return fmt.Sprintf("Task: %s\n\nWhat should be my first step?", task)
}

// observationMessage feeds a successful action result back to the model.
func observationMessage(result string) string {
	return fmt.Sprintf("Action result: %s\n\nWhat should be my next step?", result)
}

// failureMessage feeds a non-fatal action failure back to the model.
func failureMessage(op string, err error) string {
	return fmt.Sprintf("Action %s failed: %v\n\nTry a different approach. What should be my next step?", op, err)
}

// unparsableMessage corrects the model after a turn no action could be
// extracted from.
const unparsableMessage = `I could not extract an action from your last response. Respond with exactly one action as a JSON object:

` + "```json" + `
{"tool": "<tool_name>", "parameters": {<arguments>}}
` + "```" + `

or with the phrase "task complete" if the task is finished.`
