package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewWithOutputJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(&buf, "debug")

	logger.WithField("provider", "gcp").Debug("fetching templates")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	for _, key := range []string{"timestamp", "level", "message", "provider"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("Expected field %q in %v", key, entry)
		}
	}
	if entry["message"] != "fetching templates" {
		t.Errorf("Unexpected message %v", entry["message"])
	}
}

func TestNewWithOutputLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
	}{
		{"", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"not-a-level", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewWithOutput(&bytes.Buffer{}, tt.level)
			if logger.GetLevel() != tt.expected {
				t.Errorf("Expected level %v, got %v", tt.expected, logger.GetLevel())
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	fallback := Discard()
	if FromContext(context.Background(), fallback) != fallback {
		t.Error("Expected fallback logger")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Error("Expected a non-nil logger without fallback")
	}

	entry := fallback.WithField("fetch_id", "abc")
	ctx := WithLogger(context.Background(), entry)
	if FromContext(ctx, fallback) != entry {
		t.Error("Expected logger stored in context")
	}
}
