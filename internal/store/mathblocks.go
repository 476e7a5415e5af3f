package store

import "strings"

// CleanMathBlocks collapses redundant display-math delimiters that models
// tend to emit: back-to-back "$$" pairs with nothing between them, and the
// three-line pattern of an opening "$$" line, a single line of content that
// already carries inline math, and a closing "$$" line. Applied on read
// only, never on stored content, and idempotent: cleaning cleaned text is a
// no-op.
func CleanMathBlocks(text string) string {
	if text == "" {
		return text
	}

	for strings.Contains(text, "$$\n$$") {
		text = strings.ReplaceAll(text, "$$\n$$", "$$")
	}

	lines := strings.Split(text, "\n")
	cleaned := make([]string, 0, len(lines))
	for i := 0; i < len(lines); {
		if strings.TrimSpace(lines[i]) == "$$" &&
			i+2 < len(lines) &&
			strings.TrimSpace(lines[i+2]) == "$$" &&
			strings.Contains(lines[i+1], "$") {
			cleaned = append(cleaned, lines[i+1])
			i += 3
			continue
		}
		cleaned = append(cleaned, lines[i])
		i++
	}

	return strings.Join(cleaned, "\n")
}
