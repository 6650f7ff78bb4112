package persona

import "testing"

func TestSelectForContentPicksOracleOnTrigger(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"Why is this failing?", Oracle.Name},
		{"Can you debug this stack trace?", Oracle.Name},
		{"Let's plan the migration", Architect.Name},
		{"Please implement the new endpoint", Architect.Name},
	}
	for _, c := range cases {
		got := SelectForContent(c.content)
		if got.Name != c.want {
			t.Errorf("content %q: expected %s, got %s", c.content, c.want, got.Name)
		}
	}
}

func TestResolveUnknownPersonaNotOK(t *testing.T) {
	if _, ok := Resolve("nonexistent"); ok {
		t.Fatal("expected ok=false for unknown persona")
	}
}

func TestResolveKnownPersona(t *testing.T) {
	p, ok := Resolve("oracle")
	if !ok || p.Name != "oracle" {
		t.Fatalf("expected oracle, got %+v ok=%v", p, ok)
	}
}
