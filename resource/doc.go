// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by an MIT license that can be
// found in the LICENSE file.

/*
Package resource implements the three batching/rendezvous resources
that sit on top of the scheduler (spec §4.2-§4.5): BatchResource pads,
concatenates, executes, and fans results back out; UnbatchResource
rendezvous a late tensor with its waiting caller by batch key;
UnbatchGradResource accumulates per-key gradient tensors into one
caller-ordered concatenation.

None of the three touches the scheduler's admission/timeout logic
directly — BatchResource registers itself as a scheduler.Splitter and
an scheduler.OnBatchClosed callback per queue, and the Unbatch
resources are entirely independent of the scheduler, operating only on
their own rendezvous maps.
*/
package resource
