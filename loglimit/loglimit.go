// Package loglimit wraps a zap logger with per-key cooldowns so that
// high-frequency failure paths (frame decode errors, write retries) cannot
// flood the log. Every call site passes a semantic key; repeats within the
// key's cooldown window are counted instead of emitted, and the count is
// attached to the next message that gets through.
package loglimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// cleanupInterval bounds the limiter map when keys are dynamic.
const cleanupInterval = 10 * time.Minute

// Logger rate-limits log output per semantic key.
type Logger struct {
	base         *zap.Logger
	warnCooldown time.Duration
	infoCooldown time.Duration

	mu          sync.Mutex
	entries     map[string]*entry
	lastCleanup time.Time
}

type entry struct {
	limiter    *rate.Limiter
	suppressed int64
	lastSeen   time.Time
}

// New creates a rate-limited logger around base. Warnings and errors share
// warnCooldown; informational and debug messages share infoCooldown.
func New(base *zap.Logger, warnCooldown, infoCooldown time.Duration) *Logger {
	return &Logger{
		base:         base,
		warnCooldown: warnCooldown,
		infoCooldown: infoCooldown,
		entries:      make(map[string]*entry),
		lastCleanup:  time.Now(),
	}
}

// Base returns the underlying logger for paths that must never be suppressed
// (startup, shutdown, operator actions).
func (l *Logger) Base() *zap.Logger {
	return l.base
}

// Error logs at error level, at most once per warn cooldown for the same key.
func (l *Logger) Error(key, msg string, fields ...zap.Field) {
	if n, ok := l.allow(key, l.warnCooldown); ok {
		l.base.Error(msg, withSuppressed(n, fields)...)
	}
}

// Warn logs at warn level, at most once per warn cooldown for the same key.
func (l *Logger) Warn(key, msg string, fields ...zap.Field) {
	if n, ok := l.allow(key, l.warnCooldown); ok {
		l.base.Warn(msg, withSuppressed(n, fields)...)
	}
}

// Info logs at info level, at most once per info cooldown for the same key.
func (l *Logger) Info(key, msg string, fields ...zap.Field) {
	if n, ok := l.allow(key, l.infoCooldown); ok {
		l.base.Info(msg, withSuppressed(n, fields)...)
	}
}

// Debug logs at debug level, at most once per info cooldown for the same key.
func (l *Logger) Debug(key, msg string, fields ...zap.Field) {
	if n, ok := l.allow(key, l.infoCooldown); ok {
		l.base.Debug(msg, withSuppressed(n, fields)...)
	}
}

// allow reports whether a message with the given key may be emitted now and
// returns the number of messages suppressed since the last emission.
func (l *Logger) allow(key string, cooldown time.Duration) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Every(cooldown), 1)}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()

	l.maybeCleanup()

	if !e.limiter.Allow() {
		e.suppressed++
		return 0, false
	}

	n := e.suppressed
	e.suppressed = 0
	return n, true
}

// maybeCleanup drops entries idle long enough that their cooldown, and any
// suppression count worth reporting, has lapsed. Caller holds l.mu.
func (l *Logger) maybeCleanup() {
	now := time.Now()
	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) >= cleanupInterval {
			delete(l.entries, key)
		}
	}
	l.lastCleanup = now
}

func withSuppressed(n int64, fields []zap.Field) []zap.Field {
	if n == 0 {
		return fields
	}
	return append(fields, zap.Int64("suppressed", n))
}
