package mocklogger

import (
	"slices"
	"testing"

	"github.com/hugolhafner/go-sonar/logger"
)

// find returns the first recorded entry accepted by match
func (m *MockLogger) find(match func(LogEntry) bool) (LogEntry, bool) {
	for _, entry := range m.Entries() {
		if match(entry) {
			return entry, true
		}
	}
	return LogEntry{}, false
}

func hasMessage(message string) func(LogEntry) bool {
	return func(e LogEntry) bool { return e.Message == message }
}

func hasLevel(level logger.LogLevel) func(LogEntry) bool {
	return func(e LogEntry) bool { return e.Level == level }
}

func (m *MockLogger) AssertCalledWithMessage(tb testing.TB, message string) {
	tb.Helper()
	if _, ok := m.find(hasMessage(message)); !ok {
		tb.Errorf("no entry logged with message %q", message)
	}
}

func (m *MockLogger) AssertCalledWithLevel(tb testing.TB, level logger.LogLevel) {
	tb.Helper()
	if _, ok := m.find(hasLevel(level)); !ok {
		tb.Errorf("no entry logged at level %s", level)
	}
}

func (m *MockLogger) AssertCalledWithLevelAndMessage(tb testing.TB, level logger.LogLevel, message string) {
	tb.Helper()
	_, ok := m.find(func(e LogEntry) bool { return e.Level == level && e.Message == message })
	if !ok {
		tb.Errorf("no entry logged at level %s with message %q", level, message)
	}
}

func (m *MockLogger) AssertNotCalledWithMessage(tb testing.TB, message string) {
	tb.Helper()
	if e, ok := m.find(hasMessage(message)); ok {
		tb.Errorf("unexpected entry logged with message %q: %v", message, e.KV)
	}
}

func (m *MockLogger) AssertNotCalledWithLevel(tb testing.TB, level logger.LogLevel) {
	tb.Helper()
	if e, ok := m.find(hasLevel(level)); ok {
		tb.Errorf("unexpected entry logged at level %s: %q", level, e.Message)
	}
}

// AssertCalled expects an entry with exactly the given level, message and
// key value pairs
func (m *MockLogger) AssertCalled(tb testing.TB, level logger.LogLevel, message string, kv ...any) {
	tb.Helper()
	_, ok := m.find(
		func(e LogEntry) bool {
			return e.Level == level && e.Message == message && slices.Equal(e.KV, kv)
		},
	)
	if !ok {
		tb.Errorf("no entry logged at level %s with message %q and fields %v", level, message, kv)
	}
}
