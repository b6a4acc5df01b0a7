package e2e

import "testing"

func TestBuildCorpus_OneCasePerDocument(t *testing.T) {
	c := BuildCorpus(FileExtensions)
	if len(c.Documents) != len(topics) || len(c.Cases) != len(topics) {
		t.Fatalf("documents=%d cases=%d, want %d each", len(c.Documents), len(c.Cases), len(topics))
	}
	sources := make(map[string]Document)
	for _, d := range c.Documents {
		if _, dup := sources[d.Source]; dup {
			t.Errorf("duplicate source %q", d.Source)
		}
		sources[d.Source] = d
	}
	for _, tc := range c.Cases {
		d, ok := sources[tc.ExpectedSource]
		if !ok {
			t.Errorf("case %q expects unknown source %q", tc.Query, tc.ExpectedSource)
			continue
		}
		if !containsPhrase(d, tc.Query) {
			t.Errorf("document %q does not contain query phrase %q", d.Source, tc.Query)
		}
	}
}

func TestBuildCorpus_CyclesExtensions(t *testing.T) {
	c := BuildCorpus([]string{".md", ".csv"})
	if got := c.Documents[0].Source; got != "01-parking-permits.md" {
		t.Errorf("first source = %q", got)
	}
	if got := c.Documents[1].Source; got != "02-building-permits.csv" {
		t.Errorf("second source = %q", got)
	}
}

func TestContainsPhrase(t *testing.T) {
	tests := []struct {
		doc     Document
		phrase  string
		contain bool
	}{
		{Document{Title: "Dog Licensing", Content: "A dog license microchip number"}, "dog license", true},
		{Document{Title: "Dog Licensing", Content: "A dog license microchip number"}, "cat license", false},
		{Document{Title: "Snow Clearing", Content: "Main roads first"}, "snow clearing", true},
	}
	for i, tt := range tests {
		if got := containsPhrase(tt.doc, tt.phrase); got != tt.contain {
			t.Errorf("test %d: containsPhrase(%q) = %v, want %v", i, tt.phrase, got, tt.contain)
		}
	}
}
