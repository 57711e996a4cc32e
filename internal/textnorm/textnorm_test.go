package textnorm

import "testing"

func TestNormalizeStripsSuffixesAndPunctuation(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Acme Fuels Pty Ltd", "ACME FUELS"},
		{"ACME   FUELS", "ACME FUELS"},
		{"acme-fuels, ltd.", "ACME FUELS"},
		{"Viva Energy Holdings Pty Ltd", "VIVA ENERGY"},
		{"  ", ""},
		{"Ltd", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Fatalf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeNameKeepsSuffixLikeWords(t *testing.T) {
	if got := NormalizeName("  o'brien,  JOHN "); got != "O BRIEN JOHN" {
		t.Fatalf("got %q", got)
	}
	// Person names never get business-suffix stripping.
	if got := NormalizeName("Jim Co"); got != "JIM CO" {
		t.Fatalf("got %q", got)
	}
}

func TestContains(t *testing.T) {
	if !Contains("BP Depot Altona North", "Altona North") {
		t.Fatal("expected containment match")
	}
	if Contains("AB", "AB") {
		t.Fatal("short strings must not match")
	}
	if Contains("Altona", "Geelong") {
		t.Fatal("unrelated strings must not match")
	}
}

func TestSharedIdentifier(t *testing.T) {
	ids := []string{"AU TERM", "DEPOT"}
	if got := SharedIdentifier("AU TERM 7 Sydney", "Caltex AU TERM 7", ids); got != "AU TERM" {
		t.Fatalf("got %q", got)
	}
	if got := SharedIdentifier("AU TERM 7", "Geelong Refinery", ids); got != "" {
		t.Fatalf("expected no shared identifier, got %q", got)
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("Acme Fuels Pty Ltd", "ACME FUELS"); got != 1 {
		t.Fatalf("identical after normalization should be 1, got %v", got)
	}
	hi := Similarity("Mobil Altona Terminal", "Mobil Altona Tereminal")
	lo := Similarity("Mobil Altona Terminal", "Shell Newport")
	if hi <= lo {
		t.Fatalf("expected near-duplicate to outscore unrelated: %v <= %v", hi, lo)
	}
	if got := Similarity("", "x"); got != 0 {
		t.Fatalf("empty input should score 0, got %v", got)
	}
}
