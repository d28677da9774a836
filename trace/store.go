// Package trace provides the append-only observability store for
// orchestration sessions: events, handoffs, stage results, and the derived
// per-session Trace view.
//
// Recording is deliberately infallible from the caller's perspective:
// observability must never break orchestration, so write failures are logged
// and counted inside the store rather than returned. Writes for one session
// serialize on a per-session lock; independent sessions proceed fully
// concurrently.
//
// Supported backends:
//   - Memory: default, also backs the real-time watch feed
//   - Redis: for deployments where traces must survive orchestrator restarts
//
// Completed traces can additionally be archived to SQL via Archiver.
package trace

import (
	"context"
	"time"
)

// Store is the observability trace store interface fed by every pipeline
// component and read by external monitoring.
type Store interface {
	// StartSession begins the trace for a session.
	StartSession(ctx context.Context, sessionID, query, strategy string)

	// CompleteSession marks the session trace terminal. Recording against a
	// completed session is dropped.
	CompleteSession(ctx context.Context, sessionID string, success bool, finalResponse string)

	// RecordEvent appends an event to the session trace.
	RecordEvent(ctx context.Context, ev Event)

	// RecordHandoff appends or updates a handoff record by handoff number.
	RecordHandoff(ctx context.Context, h Handoff)

	// RecordStage appends a stage result to the session trace.
	RecordStage(ctx context.Context, sessionID string, sr StageResult)

	// GetTrace returns the trace for a session, whether in progress or
	// completed. Returns a types.Error with code TRACE_NOT_FOUND when the
	// session is unknown.
	GetTrace(ctx context.Context, sessionID string) (*Trace, error)

	// GetRecentTraces returns up to limit traces ordered newest-first.
	GetRecentTraces(ctx context.Context, limit int) ([]*Trace, error)

	// GetRealTime returns the current partial trace for an in-progress
	// session. Returns TRACE_NOT_FOUND for unknown or completed sessions.
	GetRealTime(ctx context.Context, sessionID string) (*Trace, error)

	// Metrics returns aggregate counts and rates over all recorded sessions.
	Metrics(ctx context.Context) (*Metrics, error)

	// Close releases store resources.
	Close() error
}

// monotonicTimestamp returns ts pushed past last when the clock did not
// advance, preserving strict per-session event ordering.
func monotonicTimestamp(ts, last time.Time) time.Time {
	if !ts.After(last) {
		return last.Add(time.Nanosecond)
	}
	return ts
}
