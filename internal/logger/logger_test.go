package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// plain returns a pretty logger without ANSI colors.
func plain(buf *bytes.Buffer, level slog.Level) Logger {
	h := NewPrettyHandler(buf, &slog.HandlerOptions{Level: level})
	h.noColor = true
	return New(h)
}

// line drops the leading clock so tests can compare the rest verbatim.
func line(t *testing.T, buf *bytes.Buffer) string {
	t.Helper()
	out := strings.TrimSuffix(buf.String(), "\n")
	if strings.Count(out, "\n") != 0 {
		t.Fatalf("expected one line, got %q", out)
	}
	_, rest, ok := strings.Cut(out, " ")
	if !ok {
		t.Fatalf("missing time prefix in %q", out)
	}
	return rest
}

func TestPrettyStagePrefix(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ForStage(plain(&buf, slog.LevelInfo), "quantize").Info("calibrated", "samples", 200)

	if got, want := line(t, &buf), "INFO  [quantize] calibrated samples=200"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPrettyStageOnRecord(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	plain(&buf, slog.LevelInfo).Warn("fallback", StageKey, "export", "input", "model blob")

	if got, want := line(t, &buf), `WARN  [export] fallback input="model blob"`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPrettyValues(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	plain(&buf, slog.LevelDebug).Debug("params",
		"scale", 1.0/255,
		"empty", "",
		"quoted", `a"b`,
		"took", 1500*time.Nanosecond+400*time.Nanosecond,
	)

	got := line(t, &buf)
	for _, want := range []string{
		"DEBUG params",
		"scale=0.003921568627",
		`empty=""`,
		`quoted="a\"b"`,
		"took=2µs",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %q", want, got)
		}
	}
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelInfo).With("run", "r1").WithGroup("blob").With("bytes", 10)
	log.Info("written", "path", "model/mnist_model.qmf", slog.Group("sha", "short", "ab12"))

	want := "INFO  written run=r1 blob.bytes=10 blob.path=model/mnist_model.qmf blob.sha.short=ab12"
	if got := line(t, &buf); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPrettyStageInsideGroupIsAnAttr(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	plain(&buf, slog.LevelInfo).WithGroup("child").Info("x", StageKey, "inner")

	if got, want := line(t, &buf), "INFO  x child.stage=inner"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPrettyLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}
	log.Error("shown")
	if !strings.Contains(buf.String(), "ERROR shown") {
		t.Fatalf("expected error record, got %q", buf.String())
	}
}

func TestPrettyColors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	h.noColor = false
	New(h).Info("colored")
	if !strings.Contains(buf.String(), colorBlue) || !strings.Contains(buf.String(), colorReset) {
		t.Fatalf("expected ANSI codes, got %q", buf.String())
	}
}

func TestNewWithFormat(t *testing.T) {
	t.Parallel()
	var jsonBuf, textBuf bytes.Buffer
	ForStage(NewWithFormat(&jsonBuf, FormatJSON, slog.LevelInfo), "validate").Info("scored", "accuracy", 0.98)
	NewWithFormat(&textBuf, FormatText, slog.LevelInfo).Info("scored", StageKey, "validate")

	if !strings.Contains(jsonBuf.String(), `"stage":"validate"`) || !strings.Contains(jsonBuf.String(), `"accuracy":0.98`) {
		t.Fatalf("json output = %s", jsonBuf.String())
	}
	if !strings.Contains(textBuf.String(), "stage=validate") {
		t.Fatalf("text output = %s", textBuf.String())
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	cases := map[string]Format{"": FormatPretty, "pretty": FormatPretty, " JSON ": FormatJSON, "text": FormatText}
	for in, want := range cases {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("logfmt"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil without a stored logger")
	}
	want := Discard()
	if got := FromContext(WithContext(context.Background(), want)); got != want {
		t.Fatal("FromContext did not return the stored logger")
	}
}

func TestForStageNil(t *testing.T) {
	t.Parallel()
	ForStage(nil, "optimize").Info("no panic")
	Discard().Error("dropped")
}
