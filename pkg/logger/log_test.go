// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	var buffer bytes.Buffer
	base := GetLoggingConfig().base
	base.SetOutput(&buffer)
	t.Cleanup(func() { base.SetOutput(os.Stderr) })
	return &buffer
}

func logFromHelper(logger *Logger) {
	logger.Infof("from %s", "helper")
}

func warnFromHelper(logger *Logger) {
	logger.Warning("warned")
}

func TestCallerIsTheEmittingLine(t *testing.T) {
	output := captureOutput(t)
	// obtained here, used elsewhere
	cached := GetLogger().WithField("remote", "test")
	logFromHelper(cached)
	warnFromHelper(cached)
	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", output.String())
	}
	for index, name := range []string{"logFromHelper", "warnFromHelper"} {
		if !strings.Contains(lines[index], name) {
			t.Errorf("line %q does not name %s", lines[index], name)
		}
		if !strings.Contains(lines[index], "remote=test") {
			t.Errorf("line %q lost its field", lines[index])
		}
		if strings.Contains(lines[index], "TestCallerIsTheEmittingLine") {
			t.Errorf("line %q names the logger's creator", lines[index])
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, test := range []struct {
		name  string
		level LogLevel
		ok    bool
	}{
		{"error", Error, true},
		{"WARN", Warning, true},
		{"warning", Warning, true},
		{"debug", Debug, true},
		{"verbose", Info, false},
	} {
		level, ok := ParseLogLevel(test.name)
		if level != test.level || ok != test.ok {
			t.Errorf("ParseLogLevel(%q) = %v, %v", test.name, level, ok)
		}
	}
}
