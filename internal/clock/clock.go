// Package clock provides time abstraction for testing and production use.
// Pollers, loaders and the alert evaluator take a Clock so that merge
// retention, backoff and recurring alert windows can be tested without
// waiting on the wall clock.
package clock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Clock provides an abstraction for time operations.
// Use RealClock in production and MockClock in tests.
type Clock interface {
	// Now returns the current time
	Now() time.Time
	// NowUnixMilli returns the current time as Unix milliseconds
	NowUnixMilli() int64
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock implements Clock using actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// NowUnixMilli returns the current time as Unix milliseconds.
func (RealClock) NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// Sleep waits on a timer and returns ctx.Err() if the context ends first.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MockClock implements Clock and provides a controllable, thread-safe time for tests.
// Sleep never blocks: it records the requested duration and advances the clock.
type MockClock struct {
	currentTime time.Time
	sleeps      []time.Duration
	mu          sync.Mutex
}

// NewMockClock creates a new MockClock set to the specified time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{currentTime: t}
}

// Now returns the mock clock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// NowUnixMilli returns the mock clock's current time as Unix milliseconds.
func (m *MockClock) NowUnixMilli() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime.UnixMilli()
}

// Sleep records d, moves the clock forward by d and returns immediately.
// A cancelled context is reported without recording anything.
func (m *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleeps = append(m.sleeps, d)
	m.currentTime = m.currentTime.Add(d)
	return nil
}

// Sleeps returns a copy of every duration passed to Sleep so far.
func (m *MockClock) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}

// Set changes the mock clock's current time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = t
}

// Advance moves the mock clock by the specified duration.
// Use positive durations to move forward, negative to move backward.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

// EnvironmentClock replays a fixed wall-clock instant taken from an
// environment variable or a file, then lets time run forward from it.
// It is used to reproduce a board as it looked at a given moment while
// still letting pollers and loaders age their snapshots.
// Priority: environment variable > file > system time (fallback).
type EnvironmentClock struct {
	envVar   string
	filePath string
	location *time.Location

	once    sync.Once
	anchor  time.Time
	started time.Time
	ok      bool
}

// NewEnvironmentClock creates a new EnvironmentClock with the given options.
// If no sources are configured, it will fall back to system time.
func NewEnvironmentClock(envVar string, filePath string, location *time.Location) *EnvironmentClock {
	return &EnvironmentClock{
		envVar:   envVar,
		filePath: filePath,
		location: location,
	}
}

func (e *EnvironmentClock) sync() {
	e.once.Do(func() {
		e.started = time.Now()
		if t, err := e.syncFromEnvVar(); err == nil {
			e.anchor, e.ok = t, true
			return
		}
		if t, err := e.syncFromFile(); err == nil {
			e.anchor, e.ok = t, true
			return
		}
		slog.Warn("EnvironmentClock: no replay time configured, falling back to system time",
			slog.String("envVar", e.envVar), slog.String("filePath", e.filePath))
	})
}

// Now returns the replay anchor plus the real time elapsed since the first call.
func (e *EnvironmentClock) Now() time.Time {
	e.sync()
	if !e.ok {
		return time.Now()
	}
	return e.anchor.Add(time.Since(e.started))
}

// NowUnixMilli returns the current time as Unix milliseconds.
func (e *EnvironmentClock) NowUnixMilli() int64 {
	return e.Now().UnixMilli()
}

// Sleep uses real timers; only the reported instant is shifted.
func (e *EnvironmentClock) Sleep(ctx context.Context, d time.Duration) error {
	return sleepContext(ctx, d)
}

func (e *EnvironmentClock) syncFromEnvVar() (time.Time, error) {
	if e.envVar == "" {
		return time.Time{}, errors.New("environment variable name not configured")
	}
	timeStr := os.Getenv(e.envVar)
	if timeStr == "" {
		return time.Time{}, errors.New("environment variable is empty: " + e.envVar)
	}
	return e.parseTime(timeStr)
}

func (e *EnvironmentClock) syncFromFile() (time.Time, error) {
	if e.filePath == "" {
		return time.Time{}, errors.New("file path not configured")
	}
	data, err := os.ReadFile(e.filePath)
	if err != nil {
		return time.Time{}, err
	}
	return e.parseTime(string(data))
}

// parseTime accepts RFC3339 or a local civil time in the configured location.
func (e *EnvironmentClock) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	// requires timezone
	if e.location == nil {
		return time.Time{}, errors.New("timezone not configured")
	}

	formats := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.ParseInLocation(format, s, e.location); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse time %q: expected RFC3339 or YYYY-MM-DD[ HH:MM[:SS]]", s)
}
