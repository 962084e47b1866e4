package tokenizer

import "testing"

func TestTokenize(t *testing.T) {
	t.Run("CountsAndOrder", func(t *testing.T) {
		freqs := Tokenize("/ads/track?id=abc&id=abc HTTP/1.1\r\nhost: ads.example.com\r\n")

		if freqs.Counts["id"] != 2 {
			t.Errorf("Expected id twice, got %d", freqs.Counts["id"])
		}
		if freqs.Counts["abc"] != 2 {
			t.Errorf("Expected abc twice, got %d", freqs.Counts["abc"])
		}
		want := []string{"/ads/track", "id", "abc", "HTTP/1.1", "host:", "ads.example.com"}
		if len(freqs.Order) != len(want) {
			t.Fatalf("Expected %d words, got %d: %v", len(want), len(freqs.Order), freqs.Order)
		}
		for i, w := range want {
			if freqs.Order[i] != w {
				t.Errorf("Order[%d] = %q, want %q", i, freqs.Order[i], w)
			}
		}
	})

	t.Run("PreservesCaseAndEdges", func(t *testing.T) {
		freqs := Tokenize(`"Banner" (Banner)`)
		if freqs.Counts[`"Banner"`] != 1 || freqs.Counts["(Banner)"] != 1 {
			t.Errorf("Edge punctuation not preserved: %v", freqs.Counts)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		a := Tokenize("one two one three")
		b := Tokenize("one two one three")
		for i := range a.Order {
			if a.Order[i] != b.Order[i] {
				t.Fatal("Tokenize is not deterministic")
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if Tokenize("   \r\n").Len() != 0 {
			t.Error("Whitespace-only line should produce no words")
		}
	})
}
