package app

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestVersionCmd_Short(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runVersionCmd(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("exit=%d, stderr=%s", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != version {
		t.Fatalf("output=%q, want %q", got, version)
	}
}

func TestVersionCmd_JSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runVersionCmd([]string{"--json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit=%d, stderr=%s", code, stderr.String())
	}
	var payload versionPayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Version != version || payload.Commit != commit {
		t.Fatalf("payload=%+v", payload)
	}
}

func TestVersionCmd_RejectsPositionalArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runVersionCmd([]string{"extra"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit=%d, want 2", code)
	}
}
