package ratelimit

import (
	"context"
	"time"
)

// WindowSnapshot is the post-operation view of one rolling window.
type WindowSnapshot struct {
	Window Window
	Count  int64
	Start  time.Time
}

// AcquireResult reports the outcome of one atomic check-and-increment.
type AcquireResult struct {
	Allowed bool
	// Exceeded names the first window over its ceiling, in check order.
	// Only set when Allowed is false.
	Exceeded Window
	// Snapshots holds the post-operation state of every limited window, in
	// check order. Unlimited windows are omitted.
	Snapshots []WindowSnapshot
}

// CounterStore performs the four-window check-and-increment as one atomic
// operation per key. Two concurrent acquisitions of the last remaining slot
// must not both succeed.
type CounterStore interface {
	Acquire(ctx context.Context, key string, now time.Time, ceilings Ceilings) (AcquireResult, error)
}

type windowState struct {
	count int64
	start time.Time
}

// applyWindows runs the rolling-window state machine over the four counters.
// Resets are lazy: a counter zeroes once wall-clock time passes its own
// rolling boundary, not a calendar bucket edge. On allow, every limited
// counter increments together; on reject, none do. Callers must hold the
// per-key serialization point.
func applyWindows(states map[Window]*windowState, now time.Time, ceilings Ceilings) AcquireResult {
	for _, w := range checkOrder {
		ceil := ceilings.For(w)
		if ceil < 0 {
			continue
		}
		ws := states[w]
		if ws.count > 0 && now.Sub(ws.start) >= w.Duration() {
			ws.count = 0
		}
		if ws.count >= int64(ceil) {
			return AcquireResult{
				Allowed:   false,
				Exceeded:  w,
				Snapshots: snapshot(states, ceilings),
			}
		}
	}

	for _, w := range checkOrder {
		if ceilings.For(w) < 0 {
			continue
		}
		ws := states[w]
		if ws.count == 0 {
			ws.start = now
		}
		ws.count++
	}

	return AcquireResult{Allowed: true, Snapshots: snapshot(states, ceilings)}
}

func snapshot(states map[Window]*windowState, ceilings Ceilings) []WindowSnapshot {
	out := make([]WindowSnapshot, 0, len(checkOrder))
	for _, w := range checkOrder {
		if ceilings.For(w) < 0 {
			continue
		}
		ws := states[w]
		out = append(out, WindowSnapshot{Window: w, Count: ws.count, Start: ws.start})
	}
	return out
}
