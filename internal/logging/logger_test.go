package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	if NewLogger(nil) == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
	if NewLogger(&Config{}) == nil {
		t.Fatal("NewLogger with zero config returned nil")
	}
}

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Fatalf("below-level messages were emitted: %s", buf.String())
	}

	logger.Warn("warning message")
	logger.Error("error message")
	output := buf.String()
	if !strings.Contains(output, "[WARN] warning message") {
		t.Errorf("expected warn output, got: %s", output)
	}
	if !strings.Contains(output, "[ERROR] error message") {
		t.Errorf("expected error output, got: %s", output)
	}
}

func TestKeyValueFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("lookup done", "iface", "hostA", "attempt", 2)
	output := buf.String()
	if !strings.Contains(output, "lookup done") {
		t.Errorf("expected message text, got: %s", output)
	}
	if !strings.Contains(output, "iface=hostA") {
		t.Errorf("expected iface=hostA, got: %s", output)
	}
	if !strings.Contains(output, "attempt=2") {
		t.Errorf("expected attempt=2, got: %s", output)
	}
}

func TestPrintfStyleLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Warnf("dropping %d of %d frames", 3, 10)
	if !strings.Contains(buf.String(), "dropping 3 of 10 frames") {
		t.Errorf("Warnf output = %s", buf.String())
	}

	buf.Reset()
	logger.Printf("compat %s", "path")
	if !strings.Contains(buf.String(), "[INFO] compat path") {
		t.Errorf("Printf should log at info level, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if !c.wantErr && got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestWithPrefixScopesMessages(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	arp := root.WithPrefix("arp")
	arp.Info("request sent", "target", "10.0.0.2")
	if !strings.Contains(buf.String(), "arp: request sent") {
		t.Errorf("prefixed output = %s", buf.String())
	}

	buf.Reset()
	nested := arp.WithPrefix("hostA")
	nested.Warn("lookup retry")
	if !strings.Contains(buf.String(), "arp/hostA: lookup retry") {
		t.Errorf("nested prefix output = %s", buf.String())
	}

	// The root logger is untouched by its children.
	buf.Reset()
	root.Info("boot")
	if strings.Contains(buf.String(), "arp") {
		t.Errorf("root logger inherited a child prefix: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	defer SetDefault(old)

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
