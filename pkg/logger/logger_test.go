package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupLevel(t *testing.T) {
	defer Setup("info", false)

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		Setup(tt.in, false)
		if got := Log.GetLevel(); got != tt.want {
			t.Errorf("Setup(%q): level %s, want %s", tt.in, got, tt.want)
		}
	}
}
