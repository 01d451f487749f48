package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringToLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := StringToLevel(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandlerRedactsAndFlattens(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "json", slog.LevelDebug))

	logger.Info("relay configured", "relay_secret", "hunter2", "note", "line1\nline2\x07")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "***REDACTED***", entry["relay_secret"])
	assert.Equal(t, "line1 line2", entry["note"])
}

func TestSetupWritesToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "sendline.log")
	closer, err := Setup(Options{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	slog.Info("hidden")
	slog.Warn("visible", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
	assert.Equal(t, slog.LevelWarn, GetLevelManager().GetLevel())

	_, err = Setup(Options{Level: "nope"})
	assert.Error(t, err)
}

func TestDeliveryLogger(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDeliveryLogger(slog.New(NewHandler(&buf, "json", slog.LevelDebug)))

	dc := DeliveryContext{
		JobID:       "job-1",
		From:        "news@example.com",
		To:          "user@gmail.com",
		Domain:      "gmail.com",
		Identity:    "192.0.2.10",
		MXHost:      "gmail-smtp-in.l.google.com",
		Attempt:     2,
		MaxAttempts: 5,
		SMTPCode:    421,
		Error:       "try again later",
		NextRetry:   time.Now().Add(time.Minute),
	}
	dl.LogDeferral(dc)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "delivery_deferred", entry["msg"])
	assert.Equal(t, "delivery-lifecycle", entry["component"])
	assert.Equal(t, "deferred", entry["status"])
	assert.Equal(t, float64(421), entry["smtp_code"])
	assert.Equal(t, "gmail-smtp-in.l.google.com", entry["mx_host"])

	buf.Reset()
	dc.SMTPCode = 550
	dc.EnhancedCode = "5.1.1"
	dc.BounceClass = "hard"
	dl.LogBounce(dc)
	entry = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "delivery_bounce", entry["msg"])
	assert.Equal(t, "hard", entry["bounce_class"])
	assert.Equal(t, "5.1.1", entry["enhanced_code"])
	assert.Equal(t, "bounced", entry["status"])

	buf.Reset()
	dc.SMTPCode = 452
	dc.EnhancedCode = "4.2.2"
	dc.BounceClass = "soft"
	dl.LogBounce(dc)
	entry = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "soft", entry["bounce_class"])
	assert.Equal(t, "failed", entry["status"])
}
