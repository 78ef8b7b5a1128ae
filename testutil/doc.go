// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by an MIT license that can be
// found in the LICENSE file.

/*
Package testutil provides shared test infrastructure for batchflow:
context builders, polling assertions, and benchmark helpers. The
scheduler and resource packages' tests use its WaitFor polling helper.

# Core capabilities

  - Context helpers: TestContext / TestContextWithTimeout / CancelledContext,
    auto-registering Cleanup to avoid leaks
  - Assertions: AssertJSONEqual / AssertNoError / AssertError / AssertContains
  - Async assertions: AssertEventuallyTrue / AssertEventuallyEqual, polling
    with a timeout for goroutine-driven state (batch closure, barrier
    discharge, rendezvous delivery)
  - Fixture helpers: MustJSON / MustParseJSON
  - Benchmark helpers: BenchmarkHelper wraps testing.B's common operations

# Usage

	ctx := testutil.TestContext(t)
	testutil.AssertEventuallyTrue(t, func() bool { return closed.Load() }, time.Second)
*/
package testutil
