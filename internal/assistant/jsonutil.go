package assistant

import (
	"regexp"
	"strings"
)

// Model output rarely arrives as clean JSON: objects come wrapped in
// markdown fences, surrounded by prose, or carrying JavaScript-style
// comments and trailing commas. extractJSON pulls out the first object
// and scrubs those artifacts so a strict decoder can take over.

var (
	fencedJSON    = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSON returns the cleaned JSON object embedded in content, or ""
// when none is present.
func extractJSON(content string) string {
	var raw string
	if m := fencedJSON.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			raw = content[start : end+1]
		}
	}
	if raw == "" {
		return ""
	}

	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingComma.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment drops a // comment from one line unless the slashes sit
// inside a string literal.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	var inString, escaped bool
	for i := 0; i < len(line); i++ {
		switch {
		case escaped:
			escaped = false
		case line[i] == '\\' && inString:
			escaped = true
		case line[i] == '"':
			inString = !inString
		case !inString && line[i] == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
