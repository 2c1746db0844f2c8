package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		level  string
		format string
		want   zap.AtomicLevel
	}{
		{level: "debug", format: "json", want: zap.NewAtomicLevelAt(zap.DebugLevel)},
		{level: "WARN", format: "console", want: zap.NewAtomicLevelAt(zap.WarnLevel)},
		{level: "error", format: "json", want: zap.NewAtomicLevelAt(zap.ErrorLevel)},
	}

	for _, tc := range cases {
		t.Run(tc.level+"/"+tc.format, func(t *testing.T) {
			logger, err := New(tc.level, tc.format)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = logger.Sync() }()
			if !logger.Core().Enabled(tc.want.Level()) {
				t.Fatalf("logger does not enable %v", tc.want.Level())
			}
			if tc.want.Level() > zap.DebugLevel && logger.Core().Enabled(tc.want.Level()-1) {
				t.Fatalf("logger enables level below %v", tc.want.Level())
			}
		})
	}
}
