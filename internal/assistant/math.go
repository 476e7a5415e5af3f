package assistant

import (
	"regexp"
	"strings"
)

var equationLine = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_()]*\s*=\s*.*`)

// NormalizeMath wraps bare equation lines in an assistant answer into $$
// display blocks so the frontend renders them as math. Lines that already
// carry LaTeX delimiters pass through untouched; consecutive equation lines
// are merged into a single block.
func NormalizeMath(text string) string {
	lines := strings.Split(text, "\n")
	normalized := make([]string, 0, len(lines))
	buffer := make([]string, 0)

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		eq := strings.TrimSpace(strings.Join(buffer, " "))
		normalized = append(normalized, "$$\n"+eq+"\n$$")
		buffer = buffer[:0]
	}

	for _, line := range lines {
		stripped := strings.TrimSpace(line)

		if strings.HasPrefix(stripped, "$$") || strings.HasPrefix(stripped, "$") {
			flush()
			normalized = append(normalized, line)
			continue
		}

		if equationLine.MatchString(stripped) {
			buffer = append(buffer, stripped)
			continue
		}

		flush()
		normalized = append(normalized, line)
	}

	flush()
	return strings.Join(normalized, "\n")
}
