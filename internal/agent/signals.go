package agent

import (
	"regexp"
	"strings"
)

// The model signals dialogue control inline: [tool_name=x] names the
// technique the user agreed to try, [stage_ready: true] marks a
// practice exchange as complete. Both are stripped before the reply is
// sent.
var (
	toolNameRe   = regexp.MustCompile(`\[tool_name\s*=\s*([^\]]+)\]`)
	stageReadyRe = regexp.MustCompile(`\[stage_ready:\s*true\]`)
)

type signals struct {
	ToolName string
	Ready    bool
}

func parseSignals(reply string) (string, signals) {
	var sig signals

	if m := toolNameRe.FindStringSubmatch(reply); m != nil {
		sig.ToolName = strings.TrimSpace(m[1])
		reply = toolNameRe.ReplaceAllString(reply, "")
	}
	if stageReadyRe.MatchString(reply) {
		sig.Ready = true
		reply = stageReadyRe.ReplaceAllString(reply, "")
	}

	// Collapse whitespace the stripped markers leave behind.
	lines := strings.Split(reply, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, strings.TrimRight(l, " \t"))
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n")), sig
}
