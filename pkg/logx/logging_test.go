package logx

import (
	"context"
	"strings"
	"testing"
	"time"
)

type chanSender chan string

func (c chanSender) NotifyDeveloper(_ context.Context, text string) error {
	c <- text
	return nil
}

func TestDeveloperSinkForwardsWarnings(t *testing.T) {
	sent := make(chanSender, 4)
	svc, log := New(Config{
		Level:     "debug",
		Developer: DeveloperConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	}, sent)
	defer svc.Close()

	log.Info("quiet")
	log.With(String("comp", "delivery")).Warn("delivery finished with failures", Int("fatal", 1))

	select {
	case msg := <-sent:
		if !strings.HasPrefix(msg, "[WARN] delivery finished with failures") || !strings.Contains(msg, "- fatal=1") {
			t.Fatalf("message = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("warning not forwarded")
	}
	select {
	case msg := <-sent:
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFormatDeveloperJSON(t *testing.T) {
	t.Parallel()
	if got := formatDeveloperJSON([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw = %q", got)
	}
	line := `{"level":"error","time":"t","message":"send failed","zeta":"z","alpha":3}` + "\n"
	if got := formatDeveloperJSON([]byte(line)); got != "[ERROR] send failed\n- alpha=3\n- zeta=z" {
		t.Fatalf("json = %q", got)
	}
	long := strings.Repeat("x", 5000)
	if got := formatDeveloperJSON([]byte(long)); len(got) != 3500 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated len = %d", len(got))
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{"trace": LevelTrace, " Warning ": LevelWarn, "ERROR": LevelError, "": LevelInfo, "loud": LevelInfo}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
