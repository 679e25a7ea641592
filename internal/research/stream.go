package research

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/tidwall/gjson"
)

// Stream event types emitted by the research agent.
const (
	EventProgress = "progress"
	EventText     = "text"
	EventDone     = "done"
	EventError    = "error"
)

// maxLineSize bounds one NDJSON line from the agent.
const maxLineSize = 1 << 20

var (
	// ErrEmptyStream is returned when the stream ends without any result text.
	ErrEmptyStream = errors.New("research stream ended without results")
	// ErrAgentFailed wraps an error event reported by the research agent.
	ErrAgentFailed = errors.New("research agent reported an error")
)

// ProgressSink receives progress updates. It returns false when the update was ignored.
type ProgressSink interface {
	SetResearchProgress(percent int, status string) bool
}

// Consume reads newline-delimited JSON events from r until a done event or EOF,
// forwarding progress to sink and accumulating result text. Lines that are not
// JSON are treated as result text. The accumulated text is parsed with
// ParseResearchResult.
func Consume(ctx context.Context, r io.Reader, sink ProgressSink) (models.ResearchResults, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var text strings.Builder
	events := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return models.ResearchResults{}, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		events++

		if !gjson.Valid(line) || !gjson.Get(line, "type").Exists() {
			text.WriteString(line)
			text.WriteByte('\n')
			continue
		}

		event := gjson.Parse(line)
		switch event.Get("type").String() {
		case EventProgress:
			if sink != nil && !sink.SetResearchProgress(int(event.Get("percent").Int()), event.Get("status").String()) {
				slog.Debug("research.Consume: progress ignored by sink", "percent", event.Get("percent").Int())
			}
		case EventText:
			text.WriteString(event.Get("content").String())
		case EventError:
			return models.ResearchResults{}, fmt.Errorf("%w: %s", ErrAgentFailed, event.Get("message").String())
		case EventDone:
			return finish(text.String(), events)
		default:
			slog.Debug("research.Consume: skipping unknown event", "type", event.Get("type").String())
		}
	}
	if err := ctx.Err(); err != nil {
		return models.ResearchResults{}, err
	}
	if err := scanner.Err(); err != nil {
		return models.ResearchResults{}, fmt.Errorf("failed to read research stream: %w", err)
	}
	return finish(text.String(), events)
}

func finish(text string, events int) (models.ResearchResults, error) {
	if strings.TrimSpace(text) == "" {
		return models.ResearchResults{}, ErrEmptyStream
	}
	slog.Debug("research.Consume: stream complete", "events", events, "length", len(text))
	return ParseResearchResult(text), nil
}
