// Package textx normalizes captured process output before it is persisted.
// Training scripts write terminal-oriented text: progress bars that redraw
// themselves with carriage returns, ANSI control bytes, and stdout streams
// with no upper bound. Job rows store what a terminal would have shown, not
// the raw byte stream.
package textx

import "strings"

// CollapseCarriage resolves carriage-return redraws the way a terminal would,
// keeping only the final rendering of each line. A progress bar that redraws
// itself a thousand times collapses to its last state.
func CollapseCarriage(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if j := strings.LastIndexByte(line, '\r'); j >= 0 {
			lines[i] = line[j+1:]
		}
	}
	return strings.Join(lines, "\n")
}

// StripControl removes control characters except newline and tab. Escape
// bytes from ANSI color sequences go with them.
func StripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate cuts s to at most max runes, appending a marker when it cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n... [output truncated]"
}

// CleanOutput is the full pipeline applied to remote stdout and stderr before
// they land in the job record. Trailing newlines survive; the stored text
// should read like the file did.
func CleanOutput(s string, maxRunes int) string {
	return Truncate(StripControl(CollapseCarriage(s)), maxRunes)
}
