// Package research turns output from the external research agent into
// presentable results and forwards its progress stream to the state machine.
package research

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/tidwall/gjson"
)

// fallbackTitle is used when the agent output carries no usable title.
const fallbackTitle = "Research Results"

// ParseResearchResult extracts a result object from agent output. The object is
// valid when it has a title or a summary. Otherwise a degraded result is built
// from the raw text so presentation is never blocked.
func ParseResearchResult(text string) models.ResearchResults {
	if obj, ok := findResultObject(text); ok {
		return fromJSON(obj, text)
	}
	slog.Warn("research.ParseResearchResult: no valid result object, using fallback", "length", len(text))
	return Fallback(text)
}

// Fallback assembles a minimal result from raw agent text.
func Fallback(text string) models.ResearchResults {
	trimmed := strings.TrimSpace(text)
	summary := trimmed
	if i := strings.Index(trimmed, "\n\n"); i >= 0 {
		summary = strings.TrimSpace(trimmed[:i])
	}
	return models.ResearchResults{
		Title:       fallbackTitle,
		Summary:     summary,
		RawText:     text,
		Fallback:    true,
		CompletedAt: time.Now(),
	}
}

// findResultObject returns the first JSON object in text that has a title or summary.
func findResultObject(text string) (gjson.Result, bool) {
	if valid, ok := asResult(strings.TrimSpace(text)); ok {
		return valid, true
	}
	for i := strings.IndexByte(text, '{'); i >= 0; {
		end := matchingBrace(text, i)
		if end > i {
			if valid, ok := asResult(text[i : end+1]); ok {
				return valid, true
			}
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return gjson.Result{}, false
}

func asResult(candidate string) (gjson.Result, bool) {
	if !gjson.Valid(candidate) {
		return gjson.Result{}, false
	}
	r := gjson.Parse(candidate)
	if !r.IsObject() {
		return gjson.Result{}, false
	}
	if strings.TrimSpace(r.Get("title").String()) == "" && strings.TrimSpace(r.Get("summary").String()) == "" {
		return gjson.Result{}, false
	}
	return r, true
}

// matchingBrace returns the index of the brace closing the object opened at start, or -1.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func fromJSON(r gjson.Result, raw string) models.ResearchResults {
	out := models.ResearchResults{
		Title:       r.Get("title").String(),
		Summary:     r.Get("summary").String(),
		CompletedAt: time.Now(),
	}
	if out.Title == "" {
		out.Title = fallbackTitle
	}
	r.Get("sections").ForEach(func(_, s gjson.Result) bool {
		out.Sections = append(out.Sections, models.ResearchSection{
			Title:   s.Get("title").String(),
			Content: s.Get("content").String(),
		})
		return true
	})
	r.Get("recommendations").ForEach(func(_, rec gjson.Result) bool {
		if rec.IsObject() {
			out.Recommendations = append(out.Recommendations, firstNonEmpty(rec.Get("title").String(), rec.Get("text").String(), rec.Raw))
		} else {
			out.Recommendations = append(out.Recommendations, rec.String())
		}
		return true
	})
	r.Get("sources").ForEach(func(_, src gjson.Result) bool {
		if src.Type == gjson.String {
			out.Sources = append(out.Sources, models.ResearchSource{URL: src.String()})
		} else if u := src.Get("url").String(); u != "" {
			out.Sources = append(out.Sources, models.ResearchSource{Title: src.Get("title").String(), URL: u})
		}
		return true
	})
	if strings.TrimSpace(raw) != strings.TrimSpace(r.Raw) {
		out.RawText = raw
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
