package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNew_Level(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", "debug", true, true},
		{"warn drops info", "warn", false, false},
		{"unknown falls back to info", "chatty", false, true},
		{"empty falls back to info", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(tt.level, &buf)

			l.Debug().Msg("d")
			if got := buf.Len() > 0; got != tt.wantDebug {
				t.Errorf("debug written = %v, want %v", got, tt.wantDebug)
			}
			buf.Reset()

			l.Info().Msg("i")
			if got := buf.Len() > 0; got != tt.wantInfo {
				t.Errorf("info written = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New("info", &buf), "memory")
	l.Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["component"] != "memory" {
		t.Errorf("expected component field, got %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Error("expected timestamp field")
	}
}
