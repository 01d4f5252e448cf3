package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Entry is one log record delivered to stream subscribers
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Logger  string         `json:"logger,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Stream is a zapcore.Core that fans entries out to live subscribers.
// Slow subscribers lose entries rather than block the logger.
type Stream struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
	hub    *hub
}

type hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Entry
	next    uint64
	dropped atomic.Uint64
}

// NewStream creates a stream gated by level
func NewStream(level zapcore.LevelEnabler) *Stream {
	return &Stream{
		LevelEnabler: level,
		hub:          &hub{subs: make(map[uint64]chan Entry)},
	}
}

// Subscribe returns a channel of entries and a func that ends the
// subscription and closes the channel
func (s *Stream) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Entry, buffer)

	s.hub.mu.Lock()
	key := s.hub.next
	s.hub.next++
	s.hub.subs[key] = ch
	s.hub.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.hub.mu.Lock()
			delete(s.hub.subs, key)
			s.hub.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions
func (s *Stream) Subscribers() int {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return len(s.hub.subs)
}

// Dropped returns how many entries were lost to full subscriber buffers
func (s *Stream) Dropped() uint64 { return s.hub.dropped.Load() }

// With implements zapcore.Core
func (s *Stream) With(fields []zapcore.Field) zapcore.Core {
	clone := *s
	clone.fields = append(append([]zapcore.Field(nil), s.fields...), fields...)
	return &clone
}

// Check implements zapcore.Core
func (s *Stream) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(ent.Level) && s.Subscribers() > 0 {
		return ce.AddCore(ent, s)
	}
	return ce
}

// Write implements zapcore.Core
func (s *Stream) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range s.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	e := Entry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Logger:  ent.LoggerName,
		Message: ent.Message,
	}
	if len(enc.Fields) > 0 {
		e.Fields = enc.Fields
	}

	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	for _, ch := range s.hub.subs {
		select {
		case ch <- e:
		default:
			s.hub.dropped.Add(1)
		}
	}
	return nil
}

// Sync implements zapcore.Core
func (s *Stream) Sync() error { return nil }

// Tee returns a logger that also writes to core. The level is shared with l.
func (l *Logger) Tee(core zapcore.Core) *Logger {
	return &Logger{
		Logger: l.Logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, core)
		})),
		level: l.level,
	}
}

// Enabler returns the logger's runtime level
func (l *Logger) Enabler() zapcore.LevelEnabler { return l.level }
