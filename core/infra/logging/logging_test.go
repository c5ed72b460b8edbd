package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	return &buf
}

func TestInfoTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv(formatEnv, "")
	buf := captureLog(t)

	Info("scheduler", "tick", "due", 3)
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[SCHEDULER] tick") || !strings.Contains(got, "due=3") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestWarnCarriesLevel(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv(formatEnv, "")
	buf := captureLog(t)

	Warn("tracked-runner", "no partition")
	if got := buf.String(); !strings.Contains(got, "[TRACKED-RUNNER] WARN no partition") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestErrorJSONFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv(formatEnv, "json")
	buf := captureLog(t)

	Error("workflow-engine", "step failed", "step", "load", "error", errors.New("boom"))
	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected json output, got: %s", line)
	}
	if payload["level"] != "ERROR" || payload["component"] != "workflow-engine" || payload["msg"] != "step failed" {
		t.Fatalf("unexpected json payload: %#v", payload)
	}
	if payload["error"] != "boom" || payload["step"] != "load" {
		t.Fatalf("unexpected json fields: %#v", payload)
	}
}

func TestFormatFields(t *testing.T) {
	out := formatFields("a", 1, "b")
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=(missing)") {
		t.Fatalf("unexpected fields: %s", out)
	}
	if out := formatFields(); out != "" {
		t.Fatalf("expected empty output")
	}
}

func TestToString(t *testing.T) {
	if got := toString(" value\n"); got != " value\n" {
		t.Fatalf("unexpected string: %s", got)
	}
	if got := toString(123); got != "123" {
		t.Fatalf("unexpected non-string conversion: %s", got)
	}
}
