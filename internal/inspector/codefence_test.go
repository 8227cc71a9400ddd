package inspector

import "testing"

func TestExtractCodeFencesNoFences(t *testing.T) {
	text, code := ExtractCodeFences("just plain text")
	if text != "just plain text" || code != "" {
		t.Fatalf("got text=%q code=%q", text, code)
	}
}

func TestExtractCodeFencesBalanced(t *testing.T) {
	input := "before\n```go\nfmt.Println(1)\n```\nafter"
	text, code := ExtractCodeFences(input)
	if text != "before\n\nafter" {
		t.Fatalf("unexpected text: %q", text)
	}
	if code != "fmt.Println(1)\n" {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestExtractCodeFencesUnterminated(t *testing.T) {
	input := "intro\n```python\nprint(1)\nprint(2)"
	text, code := ExtractCodeFences(input)
	if text != "intro\n" {
		t.Fatalf("unexpected text: %q", text)
	}
	if code != "print(1)\nprint(2)" {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestExtractCodeFencesMultipleBlocks(t *testing.T) {
	input := "a\n```\nx\n```\nb\n```\ny\n```\nc"
	text, code := ExtractCodeFences(input)
	if text != "a\n\nb\n\nc" {
		t.Fatalf("unexpected text: %q", text)
	}
	if code != "x\ny\n" {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestExtractCodeFencesNoLanguageTag(t *testing.T) {
	input := "```\nraw\n```"
	text, code := ExtractCodeFences(input)
	if text != "" {
		t.Fatalf("unexpected text: %q", text)
	}
	if code != "raw\n" {
		t.Fatalf("unexpected code: %q", code)
	}
}
