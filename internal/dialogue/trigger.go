package dialogue

import (
	"regexp"
	"strings"
)

// toolTriggerPatterns match phrasings that mean the user wants actionable
// advice, which short-circuits Reflection or Next Steps into Tools.
var toolTriggerPatterns = compileAll(
	`\bwhat should i do\b`,
	`\bwhat do i do\b`,
	`\bwhat can i do\b`,
	`\bhow can i fix\b`,
	`\bhow do i handle\b`,
	`\bany advice\b`,
	`\bwhat advice do you have\b`,
	`\bcan you help me decide\b`,
	`\bwhat would you suggest\b`,
	`\bwhat would you recommend\b`,
	`\bhow should i approach\b`,
	`\bwhat are my options\b`,
	`\bi dont know\b`,
	`\bi'm stuck\b`,
	`\btool\b`,
	`\bsomething practical\b`,
)

// declinePatterns match an explicit refusal of a suggested tool.
var declinePatterns = compileAll(
	`\bno thanks\b`,
	`\bno thank you\b`,
	`\bnot (right )?now\b`,
	`\bi('d| would)? rather not\b`,
	`\bi don'?t want to\b`,
	`\bmaybe later\b`,
	`\bskip (it|this|that)\b`,
	`^(no|nah|nope)[.!]?$`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, regexp.MustCompile(p))
	}
	return res
}

// DetectToolTrigger reports whether text asks for advice, guidance, or
// solutions.
func DetectToolTrigger(text string) bool {
	return matchAny(toolTriggerPatterns, text)
}

// DetectDecline reports whether text declines the offered tool practice.
func DetectDecline(text string) bool {
	return matchAny(declinePatterns, text)
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}
