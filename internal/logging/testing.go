package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger wraps Logger with test observation capabilities.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger for testing with full observation.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger: &Logger{
			zap:    zap.New(core),
			config: NewDefaultConfig(),
		},
		observed: observed,
	}
}

// All returns all logged entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries matching message substring.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// Reset clears all logged entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// AssertLogged verifies a log at level containing message was logged.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return
		}
	}
	tb.Errorf("expected log at %v containing %q, logs: %+v", level, msgContains, t.observed.All())
}

// AssertNotLogged verifies no log at level containing message was logged.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			tb.Errorf("unexpected log at %v containing %q", level, msgContains)
		}
	}
}

// AssertField verifies a field with key and value exists in message.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected interface{}) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		for _, field := range entry.Context {
			if field.Key == key {
				if field.Type == zapcore.StringType && field.String == expected {
					return
				}
				if reflect.DeepEqual(field.Interface, expected) {
					return
				}
			}
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, expected, msg)
}
