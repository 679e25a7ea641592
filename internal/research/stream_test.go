package research

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type recordingSink struct {
	updates []int
	accept  bool
}

func (s *recordingSink) SetResearchProgress(percent int, status string) bool {
	s.updates = append(s.updates, percent)
	return s.accept
}

func TestConsume(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"progress","percent":10,"status":"searching"}`,
		`{"type":"text","content":"{\"title\":\"Bikes\","}`,
		``,
		`{"type":"progress","percent":60,"status":"synthesizing"}`,
		`{"type":"text","content":"\"summary\":\"Ride more\"}"}`,
		`{"type":"done"}`,
		`{"type":"progress","percent":99,"status":"late"}`,
	}, "\n")

	sink := &recordingSink{accept: true}
	got, err := Consume(context.Background(), strings.NewReader(stream), sink)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if got.Title != "Bikes" || got.Summary != "Ride more" || got.Fallback {
		t.Errorf("unexpected result: %+v", got)
	}
	if len(sink.updates) != 2 || sink.updates[1] != 60 {
		t.Errorf("progress updates = %v, want [10 60]", sink.updates)
	}
}

func TestConsumePlainTextFallsBack(t *testing.T) {
	got, err := Consume(context.Background(), strings.NewReader("no json at all\nsecond line"), nil)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if !got.Fallback {
		t.Errorf("expected fallback result, got %+v", got)
	}
}

func TestConsumeErrors(t *testing.T) {
	if _, err := Consume(context.Background(), strings.NewReader(`{"type":"done"}`), nil); !errors.Is(err, ErrEmptyStream) {
		t.Errorf("Consume(empty) error = %v, want ErrEmptyStream", err)
	}

	_, err := Consume(context.Background(), strings.NewReader(`{"type":"error","message":"rate limited"}`), nil)
	if !errors.Is(err, ErrAgentFailed) || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("Consume(error event) error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Consume(ctx, strings.NewReader(`{"type":"text","content":"x"}`), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Consume(cancelled) error = %v, want context.Canceled", err)
	}
}
