package engine

import "testing"

func TestStripTagsToTextRemovesMarkupAndScripts(t *testing.T) {
	in := `<html><head><style>.a{color:red}</style></head><body><script>evil()</script><h1>Hello &amp; welcome</h1><p>World</p></body></html>`
	got := stripTagsToText(in)
	if got == "" {
		t.Fatal("expected non-empty text")
	}
	want := "Hello & welcome\n\nWorld"
	if got != want {
		t.Fatalf("stripTagsToText() = %q, want %q", got, want)
	}
}

func TestStripTagsToTextCollapsesWhitespace(t *testing.T) {
	in := "<p>a   b\t\tc</p>"
	got := stripTagsToText(in)
	if got != "a b c" {
		t.Fatalf("stripTagsToText() = %q, want %q", got, "a b c")
	}
}
