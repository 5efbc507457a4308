package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

const (
	// DefaultCharLimit applies to tools without a configured limit.
	DefaultCharLimit = 30000

	// ErrorCharLimit bounds error descriptions returned to the model.
	ErrorCharLimit = 2000
)

// DefaultToolCharLimits are the per-tool character limits.
var DefaultToolCharLimits = map[string]int{
	"query_logs":          40000,
	"list_log_entries":    40000,
	"get_file_content":    50000,
	"list_repo_files":     20000,
	"create_branch":       5000,
	"commit_file_change":  5000,
	"create_pull_request": 5000,
}

// DefaultTruncationModes are the per-tool truncation modes.
var DefaultTruncationModes = map[string]TruncationMode{
	"query_logs":          TruncateHeadTail,
	"list_log_entries":    TruncateHeadTail,
	"get_file_content":    TruncateHeadTail,
	"list_repo_files":     TruncateTail,
	"create_branch":       TruncateTail,
	"commit_file_change":  TruncateTail,
	"create_pull_request": TruncateTail,
}

// DefaultToolLineLimits are applied after character truncation.
var DefaultToolLineLimits = map[string]int{
	"list_repo_files": 500,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	switch mode {
	case TruncateTail:
		start := runeCeil(output, len(output)-maxChars)
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"Narrow the request to see the rest.]\n\n", start) +
			output[start:]
	default:
		half := maxChars / 2
		head := runeFloor(output, half)
		tail := runeCeil(output, len(output)-half)
		return output[:head] +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
				"If you need specific parts, re-run the tool with a narrower filter, a smaller limit, or a more specific path.]\n\n",
				tail-head) +
			output[tail:]
	}
}

// runeFloor moves i back to the start of the rune containing it.
func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil moves i forward to the next rune start.
func runeCeil(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies character truncation followed by line
// truncation. Overrides take precedence over the defaults. The result is
// always valid UTF-8; invalid bytes from the tool become U+FFFD.
func TruncateToolOutput(output string, toolName string, charLimits map[string]int, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = DefaultCharLimit
		}
	}

	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(strings.ToValidUTF8(output, "\uFFFD"), maxChars, mode)

	maxLines, ok := lineLimits[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}

// truncateError shortens an error description to ErrorCharLimit.
func truncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= ErrorCharLimit {
		return msg
	}
	cut := runeFloor(msg, ErrorCharLimit)
	return msg[:cut] + fmt.Sprintf("... [%d characters truncated]", len(msg)-cut)
}
