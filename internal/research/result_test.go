package research

import (
	"testing"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseResearchResultJSON(t *testing.T) {
	text := `{"title": "Best laptops", "summary": "ThinkPads win.",
		"sections": [{"title": "Battery", "content": "Long"}],
		"recommendations": ["Buy a ThinkPad", {"title": "Avoid glossy screens"}],
		"sources": ["https://a.example", {"title": "B", "url": "https://b.example"}]}`

	got := ParseResearchResult(text)
	want := models.ResearchResults{
		Title:           "Best laptops",
		Summary:         "ThinkPads win.",
		Sections:        []models.ResearchSection{{Title: "Battery", Content: "Long"}},
		Recommendations: []string{"Buy a ThinkPad", "Avoid glossy screens"},
		Sources:         []models.ResearchSource{{URL: "https://a.example"}, {Title: "B", URL: "https://b.example"}},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(models.ResearchResults{}, "CompletedAt")); diff != "" {
		t.Errorf("ParseResearchResult() mismatch (-want +got):\n%s", diff)
	}
	if got.CompletedAt.IsZero() {
		t.Errorf("CompletedAt not set")
	}
}

func TestParseResearchResultEmbedded(t *testing.T) {
	text := "Done! Here are the results:\n```json\n{\"summary\": \"Short {braced} answer\"}\n```"
	got := ParseResearchResult(text)
	if got.Fallback {
		t.Fatalf("expected embedded object to be parsed")
	}
	if got.Summary != "Short {braced} answer" || got.Title != fallbackTitle {
		t.Errorf("unexpected result: %+v", got)
	}
	if got.RawText != text {
		t.Errorf("raw text should be kept when the object was embedded in prose")
	}
}

func TestParseResearchResultFallback(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"plain text", "First paragraph here.\n\nSecond paragraph."},
		{"object without title or summary", `{"sections": []}` + "\n\nFirst paragraph here."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResearchResult(tt.text)
			if !got.Fallback {
				t.Fatalf("expected fallback result")
			}
			if got.RawText != tt.text {
				t.Errorf("RawText = %q", got.RawText)
			}
			if got.Title != fallbackTitle {
				t.Errorf("Title = %q", got.Title)
			}
		})
	}

	got := ParseResearchResult("First paragraph here.\n\nSecond paragraph.")
	if got.Summary != "First paragraph here." {
		t.Errorf("Summary = %q, want first paragraph", got.Summary)
	}
}
