package textutil

import (
	"strings"
	"testing"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("The Mass of Men lead lives of quiet desperation.")
	want := []string{"the", "mass", "of", "men", "lead", "lives", "of", "quiet", "desperation"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("tokens = %v", got)
	}
}

func TestTokenizeTypographicPunctuation(t *testing.T) {
	// Device exports use typographic quotes and dashes; chapter text may not.
	a := Tokenize("it’s a “simple” life — really")
	b := Tokenize(`it's a "simple" life - really`)
	if strings.Join(a, " ") != strings.Join(b, " ") {
		t.Errorf("typographic variants tokenise differently: %v vs %v", a, b)
	}
}

func TestNormalizeQuote(t *testing.T) {
	a := NormalizeQuote("Lived   alone, in the Woods.")
	b := NormalizeQuote("lived alone in the woods")
	if a != b {
		t.Errorf("%q != %q", a, b)
	}
	if NormalizeQuote("") != "" {
		t.Error("empty quote should normalise to empty string")
	}
}

func TestFindTokenSequence(t *testing.T) {
	haystack := Tokenize("I went to the woods because I wished to live deliberately")
	start, end, ok := FindTokenSequence(haystack, Tokenize("wished to live"))
	if !ok {
		t.Fatal("sequence not found")
	}
	if start != 7 || end != 9 {
		t.Errorf("range = (%d, %d)", start, end)
	}

	if _, _, ok := FindTokenSequence(haystack, Tokenize("never said this")); ok {
		t.Error("found a sequence that is not there")
	}
}

func TestLocateQuote(t *testing.T) {
	text := "I went to the woods because I wished to live deliberately."

	start, end, ok := LocateQuote(text, "wished to live")
	if !ok {
		t.Fatal("quote not located")
	}
	if got := text[start:end]; got != "wished to live" {
		t.Errorf("located %q", got)
	}
}

func TestLocateQuoteAbsent(t *testing.T) {
	if _, _, ok := LocateQuote("some chapter text", "phrase that never appears"); ok {
		t.Error("located an absent quote")
	}
}

func TestStripHTML(t *testing.T) {
	got := StripHTML("<p>I went to the <em>woods</em>\nbecause   I wished</p>")
	want := "I went to the woods because I wished"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
