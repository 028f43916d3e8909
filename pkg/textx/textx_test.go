// Package textx contains tests for the output normalization pipeline.
package textx

import "testing"

func TestCollapseCarriage(t *testing.T) {
	in := "epoch 1:  10%\repoch 1:  50%\repoch 1: 100%\ndone\n"
	got := CollapseCarriage(in)
	if got != "epoch 1: 100%\ndone\n" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := CollapseCarriage("plain\ntext"); got != "plain\ntext" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestStripControl(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := StripControl(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
	// ANSI color prefix loses its escape byte.
	if got := StripControl("\x1b[32mok\x1b[0m\n"); got != "[32mok[0m\n" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Truncate("abcdef", 3); got != "abc\n... [output truncated]" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Truncate("abc", 0); got != "" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestCleanOutput(t *testing.T) {
	in := "loss 0.9\rloss 0.5\rloss 0.1\nsaved model\n"
	if got := CleanOutput(in, 1000); got != "loss 0.1\nsaved model\n" {
		t.Fatalf("unexpected: %q", got)
	}
	// Trailing newline is preserved, not trimmed.
	if got := CleanOutput("hi\n", 1000); got != "hi\n" {
		t.Fatalf("unexpected: %q", got)
	}
}
