package assistant

import "testing"

func TestNormalizeMathWrapsBareEquation(t *testing.T) {
	in := "The kinetic energy is\nE = (1/2)mv^2\nwhich grows with speed."
	want := "The kinetic energy is\n$$\nE = (1/2)mv^2\n$$\nwhich grows with speed."
	if got := NormalizeMath(in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizeMathMergesConsecutiveEquations(t *testing.T) {
	in := "Solve the system:\nx = 2y\ny = 3\nso x is 6."
	want := "Solve the system:\n$$\nx = 2y y = 3\n$$\nso x is 6."
	if got := NormalizeMath(in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizeMathLeavesDelimitedLines(t *testing.T) {
	in := "$$\n\\int_0^1 x\\,dx = 1/2\n$$"
	if got := NormalizeMath(in); got != in {
		t.Fatalf("delimited math changed: %q", got)
	}
}

func TestNormalizeMathLeavesInlineMath(t *testing.T) {
	in := "$E = mc^2$ is the famous one."
	if got := NormalizeMath(in); got != in {
		t.Fatalf("inline math changed: %q", got)
	}
}

func TestNormalizeMathPlainProseUntouched(t *testing.T) {
	in := "No equations here.\nJust two sentences."
	if got := NormalizeMath(in); got != in {
		t.Fatalf("prose changed: %q", got)
	}
}

func TestNormalizeMathTrailingEquation(t *testing.T) {
	in := "Therefore:\nF = ma"
	want := "Therefore:\n$$\nF = ma\n$$"
	if got := NormalizeMath(in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
