// Package testutil provides generic test helpers shared across
// batchflow's packages: context builders, polling assertions, and
// benchmark boilerplate.
//
// Usage:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return done.Load() }, 5*time.Second)
package testutil

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

// =============================================================================
// Context helpers
// =============================================================================

// TestContext returns a context with a generous default timeout, cancelled
// automatically at test cleanup.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout returns a context with a caller-supplied timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already-cancelled context, for exercising
// cancellation paths.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// Assertion helpers
// =============================================================================

// AssertJSONEqual asserts two values marshal to identical JSON.
func AssertJSONEqual(t *testing.T, expected, actual any) {
	t.Helper()

	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		t.Fatalf("failed to marshal expected: %v", err)
	}

	actualJSON, err := json.Marshal(actual)
	if err != nil {
		t.Fatalf("failed to marshal actual: %v", err)
	}

	if string(expectedJSON) != string(actualJSON) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual: %s", expectedJSON, actualJSON)
	}
}

// AssertEventuallyTrue asserts that condition becomes true within timeout,
// polling every 10ms.
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("condition did not become true within %v", timeout)
}

// AssertEventuallyEqual asserts that getter() becomes deep-equal to expected
// within timeout.
func AssertEventuallyEqual(t *testing.T, expected any, getter func() any, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var lastValue any

	for time.Now().Before(deadline) {
		lastValue = getter()
		if reflect.DeepEqual(expected, lastValue) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("value did not become %v within %v, last value: %v", expected, timeout, lastValue)
}

// AssertNoError fails the test if err is non-nil.
func AssertNoError(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	if err != nil {
		if len(msgAndArgs) > 0 {
			t.Errorf("%v: unexpected error: %v", msgAndArgs[0], err)
		} else {
			t.Errorf("unexpected error: %v", err)
		}
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	if err == nil {
		if len(msgAndArgs) > 0 {
			t.Errorf("%v: expected error but got nil", msgAndArgs[0])
		} else {
			t.Error("expected error but got nil")
		}
	}
}

// AssertContains fails the test if s does not contain substr.
func AssertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

// AssertNotContains fails the test if s contains substr.
func AssertNotContains(t *testing.T, s, substr string) {
	t.Helper()
	if contains(s, substr) {
		t.Errorf("expected %q to not contain %q", s, substr)
	}
}

func contains(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && searchSubstring(s, substr))
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// =============================================================================
// Polling helpers
// =============================================================================

// WaitFor polls condition every 10ms until it returns true or timeout
// elapses, reporting which happened first.
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// WaitForChannel receives from ch or times out, reporting which happened.
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// Fixture helpers
// =============================================================================

// MustJSON marshals v to a JSON string, panicking on failure. Intended for
// building table-test fixtures, not for use on the error path.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// MustParseJSON unmarshals s into T, panicking on failure.
func MustParseJSON[T any](s string) T {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}

// =============================================================================
// Benchmark helpers
// =============================================================================

// BenchmarkHelper wraps a *testing.B with a few convenience methods.
type BenchmarkHelper struct {
	b *testing.B
}

// NewBenchmarkHelper wraps b.
func NewBenchmarkHelper(b *testing.B) *BenchmarkHelper {
	return &BenchmarkHelper{b: b}
}

// ResetTimer resets the wrapped benchmark's timer.
func (h *BenchmarkHelper) ResetTimer() {
	h.b.ResetTimer()
}

// StopTimer stops the wrapped benchmark's timer.
func (h *BenchmarkHelper) StopTimer() {
	h.b.StopTimer()
}

// StartTimer starts the wrapped benchmark's timer.
func (h *BenchmarkHelper) StartTimer() {
	h.b.StartTimer()
}

// ReportAllocs enables allocation reporting on the wrapped benchmark.
func (h *BenchmarkHelper) ReportAllocs() {
	h.b.ReportAllocs()
}

// RunParallel runs body across GOMAXPROCS goroutines via b.RunParallel.
func (h *BenchmarkHelper) RunParallel(body func()) {
	h.b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			body()
		}
	})
}
