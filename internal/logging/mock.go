package logging

// MockLogger captures log entries for verification in tests.
type MockLogger struct {
	Entries       []Entry
	pendingErr    error
	pendingFields []Field
}

// Entry is a single captured log record.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
	Err     error
}

// NewMock returns an empty MockLogger.
func NewMock() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) record(level, msg string, fields []Field) {
	m.Entries = append(m.Entries, Entry{
		Level:   level,
		Message: msg,
		Fields:  append(append([]Field{}, m.pendingFields...), fields...),
		Err:     m.pendingErr,
	})
}

func (m *MockLogger) Debug(msg string, fields ...Field) { m.record("debug", msg, fields) }
func (m *MockLogger) Info(msg string, fields ...Field)  { m.record("info", msg, fields) }
func (m *MockLogger) Warn(msg string, fields ...Field)  { m.record("warn", msg, fields) }
func (m *MockLogger) Error(msg string, fields ...Field) { m.record("error", msg, fields) }

// Fatal records the entry without exiting so tests can assert on it.
func (m *MockLogger) Fatal(msg string, fields ...Field) { m.record("fatal", msg, fields) }

func (m *MockLogger) WithError(err error) Logger {
	m.pendingErr = err
	return m
}

func (m *MockLogger) WithField(key string, value any) Logger {
	m.pendingFields = append(m.pendingFields, Field{Key: key, Value: value})
	return m
}

// Messages returns the captured messages in order.
func (m *MockLogger) Messages() []string {
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Message
	}
	return out
}
