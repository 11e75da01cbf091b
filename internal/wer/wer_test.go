package wer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"punctuation stripped", "hello, world! (really)", "hello world really"},
		{"markdown heading", "# Title\n\nbody text", "Title body text"},
		{"bold and italics", "some **bold** and *italic* words", "some bold and italic words"},
		{"list markers", "- one\n- two\n- three", "one two three"},
		{"digits kept", "page 12 of 34", "page 12 of 34"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	t.Run("markdown and plain forms normalize alike", func(t *testing.T) {
		md := "## Section\n\nThe **quick** brown fox."
		plain := "Section The quick brown fox"
		if Normalize(md) != Normalize(plain) {
			t.Errorf("Normalize(md) = %q, Normalize(plain) = %q", Normalize(md), Normalize(plain))
		}
	})
}

func TestCompute(t *testing.T) {
	t.Run("identical text scores 0", func(t *testing.T) {
		if got := Compute("the quick brown fox", "the quick brown fox"); got != 0 {
			t.Errorf("WER = %v, want 0", got)
		}
	})

	t.Run("markup differences score 0", func(t *testing.T) {
		if got := Compute("**the quick** brown fox!", "the quick, brown fox"); got != 0 {
			t.Errorf("WER = %v, want 0 after normalization", got)
		}
	})

	t.Run("empty reference scores 0", func(t *testing.T) {
		if got := Compute("whatever was recognized", ""); got != 0 {
			t.Errorf("WER = %v, want 0", got)
		}
	})

	t.Run("empty hypothesis scores 1", func(t *testing.T) {
		if got := Compute("", "the reference text"); got != 1 {
			t.Errorf("WER = %v, want 1", got)
		}
	})

	t.Run("single substitution", func(t *testing.T) {
		if got := Compute("the quick brown cat", "the quick brown fox"); got != 0.25 {
			t.Errorf("WER = %v, want 0.25", got)
		}
	})

	t.Run("insertion and deletion", func(t *testing.T) {
		// one insertion against a 4-word reference
		if got := Compute("the very quick brown fox", "the quick brown fox"); got != 0.25 {
			t.Errorf("insertion WER = %v, want 0.25", got)
		}
		// one deletion against a 4-word reference
		if got := Compute("the quick fox", "the quick brown fox"); got != 0.25 {
			t.Errorf("deletion WER = %v, want 0.25", got)
		}
	})

	t.Run("can exceed 1 with many insertions", func(t *testing.T) {
		got := Compute("a b c d e f g h", "a")
		if got <= 1 {
			t.Errorf("WER = %v, want > 1", got)
		}
	})

	t.Run("rounded to four decimals", func(t *testing.T) {
		got := Compute("one two wrong", "one two three")
		if got != 0.3333 {
			t.Errorf("WER = %v, want 0.3333", got)
		}
	})
}

func TestCorpus(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "page_1.txt"), []byte("reference one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "page_3.txt"), []byte("reference three"), 0o644); err != nil {
		t.Fatal(err)
	}
	corpus := NewCorpus(dir)

	t.Run("finds existing pages", func(t *testing.T) {
		for _, tc := range []struct {
			page int
			want string
		}{{1, "reference one"}, {3, "reference three"}} {
			got, ok := corpus.Lookup(tc.page)
			if !ok || got != tc.want {
				t.Errorf("Lookup(%d) = (%q, %v), want (%q, true)", tc.page, got, ok, tc.want)
			}
		}
	})

	t.Run("missing page reports no reference", func(t *testing.T) {
		if _, ok := corpus.Lookup(2); ok {
			t.Error("Lookup(2) ok = true, want false")
		}
	})

	t.Run("sentinel excluded from averages by sign", func(t *testing.T) {
		if NoReference >= 0 {
			t.Error("NoReference must be negative")
		}
		if fmt.Sprintf("%.1f", NoReference) != "-1.0" {
			t.Errorf("NoReference = %v, want -1.0", NoReference)
		}
	})
}
