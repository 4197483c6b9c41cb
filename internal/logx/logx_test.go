package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithSessionTargetAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithSessionTarget(ctx, "s-1234", "T1")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["session"] != "s-1234" {
		t.Fatalf("expected session field, got %+v", entry)
	}
	if entry["target"] != "T1" {
		t.Fatalf("expected target field, got %+v", entry)
	}
}

func TestWithSessionSkipsDuplicateMarker(t *testing.T) {
	capture := &logCapture{}
	logger := newCaptureLogger(capture).With("session", "s-1")
	ctx := ContextWithSessionLogger(context.Background(), logger, "s-1")
	WithSession(ctx, "s-1").Info("hello")

	line := capture.buf.String()
	if n := bytes.Count([]byte(line), []byte(`"session"`)); n != 1 {
		t.Fatalf("expected one session field, got %d in %s", n, line)
	}
}

func TestWithEventAddsKindAndTarget(t *testing.T) {
	capture := &logCapture{}
	log := WithEvent(newCaptureLogger(capture), schema.NewTabClosing("T9", schema.BlankURL))
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["event"] != string(schema.EventTabClosing) {
		t.Fatalf("expected event field, got %+v", entry)
	}
	if entry["target"] != "T9" {
		t.Fatalf("expected target field, got %+v", entry)
	}
}

func TestCopyContextFields(t *testing.T) {
	src := ContextWithTarget(ContextWithSession(context.Background(), "s-1"), "T1")
	dst := CopyContextFields(context.Background(), src)
	if got, _ := dst.Value(sessionKey).(string); got != "s-1" {
		t.Fatalf("expected session marker, got %q", got)
	}
	if got, _ := dst.Value(targetKey).(schema.TargetID); got != "T1" {
		t.Fatalf("expected target marker, got %q", got)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
