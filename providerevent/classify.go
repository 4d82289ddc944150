package providerevent

import "encoding/json"

// knownIntegrationCLIs maps a recognized CLI invocation prefix to the
// integration name and operation it performs, and whether the operation
// mutates external state. This is an illustrative, intentionally small
// table — real deployments would derive it from the platform skill
// registry rather than hardcoding it (spec.md §4.5 names exactly one
// concrete example: "Slack send").
var knownIntegrationCLIs = []struct {
	integration string
	operation   string
	prefix      []string
	isWrite     bool
}{
	{integration: "slack", operation: "send", prefix: []string{"slack", "chat", "send"}, isWrite: true},
	{integration: "slack", operation: "read", prefix: []string{"slack", "chat", "history"}, isWrite: false},
	{integration: "github", operation: "comment", prefix: []string{"gh", "pr", "comment"}, isWrite: true},
}

// parseCommand extracts the bash tool's command argv from its JSON input
// payload, tolerating either {"command": "slack chat send ..."} (a shell
// string) or {"command": ["slack", "chat", "send", ...]} (an argv array).
func parseCommand(input json.RawMessage) []string {
	var withString struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &withString); err == nil && withString.Command != "" {
		return splitFields(withString.Command)
	}
	var withArgv struct {
		Command []string `json:"command"`
	}
	if err := json.Unmarshal(input, &withArgv); err == nil && len(withArgv.Command) > 0 {
		return withArgv.Command
	}
	return nil
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}

func classifyCommand(cmd []string) (integration, operation string, isWrite bool) {
	for _, known := range knownIntegrationCLIs {
		if commandHasPrefix(cmd, known.prefix) {
			return known.integration, known.operation, known.isWrite
		}
	}
	return "", "", false
}

// IsSlackSend reports whether cmd parses as a Slack message-send
// invocation, used by the approval package's auto-approve exemption
// (spec.md §4.6: auto_approve skips all surfaces "except Slack send").
func IsSlackSend(toolName string, input json.RawMessage) bool {
	if toolName != "bash" {
		return false
	}
	integration, operation, _ := classifyTool(toolName, input)
	return integration == "slack" && operation == "send"
}

func commandHasPrefix(cmd, prefix []string) bool {
	if len(cmd) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if cmd[i] != p {
			return false
		}
	}
	return true
}
