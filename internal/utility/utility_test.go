package utility

import "testing"

func TestParse(t *testing.T) {
	cases := map[string]Type{
		"water":  Water,
		" Gas ":  Gas,
		"ENERGY": Energy,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", in, want, got)
		}
	}

	if _, err := Parse("electricity"); err == nil {
		t.Fatal("expected error for unknown utility")
	}
}

func TestAllValid(t *testing.T) {
	if len(All()) != 3 {
		t.Fatalf("expected 3 utilities, got %d", len(All()))
	}
	for _, u := range All() {
		if !u.Valid() {
			t.Fatalf("%s should be valid", u)
		}
	}
}
