package logging

import (
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry in memory so tests can assert on what a
// run logged.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger that observes everything down to TraceLevel.
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

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// Reset clears all logged entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// RunEntries returns the entries logged under runID.
func (t *TestLogger) RunEntries(runID string) []observer.LoggedEntry {
	return t.observed.FilterField(zap.String("run.id", runID)).All()
}

// Transitions returns the "from>to" stage transitions logged for runID, in
// order.
func (t *TestLogger) Transitions(runID string) []string {
	var out []string
	for _, entry := range t.RunEntries(runID) {
		if entry.Message != "transition" {
			continue
		}
		fields := entry.ContextMap()
		from, _ := fields["from"].(string)
		to, _ := fields["to"].(string)
		out = append(out, from+">"+to)
	}
	return out
}

// AssertLogged fails unless an entry at level contains msgContains.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return
		}
	}
	tb.Errorf("expected log at %v containing %q, logs: %+v", level, msgContains, t.observed.All())
}

// AssertNotLogged fails if an entry at level contains msgContains.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			tb.Errorf("unexpected log at %v containing %q", level, msgContains)
		}
	}
}

// AssertRunLogged fails unless runID logged an entry containing msgContains.
func (t *TestLogger) AssertRunLogged(tb testing.TB, runID, msgContains string) {
	tb.Helper()
	for _, entry := range t.RunEntries(runID) {
		if strings.Contains(entry.Message, msgContains) {
			return
		}
	}
	tb.Errorf("run %q has no log containing %q", runID, msgContains)
}

// AssertField fails unless an entry with message msg carries key=expected.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected any) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		if got, ok := entry.ContextMap()[key]; ok && got == expected {
			return
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, expected, msg)
}

// AssertNoSecrets fails if a string field or message would have been
// redacted by the logger's redaction config but was logged in clear.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	red := t.config.Redaction
	patterns := make([]*regexp.Regexp, 0, len(red.Patterns))
	for _, p := range red.Patterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	leaks := func(s string) bool {
		for _, re := range patterns {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}

	for _, entry := range t.observed.All() {
		if leaks(entry.Message) {
			tb.Errorf("sensitive pattern in message: %q", entry.Message)
		}
		for _, field := range entry.Context {
			if field.Type != zapcore.StringType || strings.HasPrefix(field.String, "[REDACTED") {
				continue
			}
			key := strings.ToLower(field.Key)
			for _, sensitive := range red.Fields {
				if key == sensitive && field.String != "" {
					tb.Errorf("sensitive field %q not redacted", field.Key)
				}
			}
			if leaks(field.String) {
				tb.Errorf("sensitive pattern in field %q", field.Key)
			}
		}
	}
}

// AssertTraceCorrelation fails unless message msg carries a trace_id.
func (t *TestLogger) AssertTraceCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		if _, ok := entry.ContextMap()["trace_id"]; ok {
			return
		}
	}
	tb.Errorf("message %q missing trace_id", msg)
}
