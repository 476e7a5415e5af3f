package store

import "testing"

func TestCleanMathBlocksCollapsesEmptyPairs(t *testing.T) {
	got := CleanMathBlocks("before\n$$\n$$\nafter")
	want := "before\n$$\nafter"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCleanMathBlocksUnwrapsInlineMathLine(t *testing.T) {
	got := CleanMathBlocks("$$\nThe value $x = 2$ holds.\n$$")
	want := "The value $x = 2$ holds."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCleanMathBlocksKeepsRealDisplayMath(t *testing.T) {
	text := "$$\nE = mc^2\n$$"
	if got := CleanMathBlocks(text); got != text {
		t.Fatalf("display block without inline math changed: %q", got)
	}
}

func TestCleanMathBlocksPlainTextUntouched(t *testing.T) {
	text := "No math here.\nJust two lines."
	if got := CleanMathBlocks(text); got != text {
		t.Fatalf("plain text changed: %q", got)
	}
}

func TestCleanMathBlocksIdempotent(t *testing.T) {
	inputs := []string{
		"before\n$$\n$$\nafter",
		"$$\nThe value $x = 2$ holds.\n$$",
		"$$\nE = mc^2\n$$",
		"",
	}
	for _, input := range inputs {
		once := CleanMathBlocks(input)
		twice := CleanMathBlocks(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: first %q, second %q", input, once, twice)
		}
	}
}
