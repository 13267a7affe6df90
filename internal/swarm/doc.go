// Package swarm implements the dual-track content-generation engine.
//
// # Overview
//
// A task expands into a writer x editor output matrix. The Processor
// drives every output through the pipeline concurrently, bounded by a
// per-task worker pool:
//
//	pending_write → pending_edit(×k cycles) → pending_eval → [finalist?] → completed
//
// The task-level phase advances in lockstep with stage-wide barriers:
//
//	writing → editing → evaluating → selecting → final_evaluating → ranking → completed
//
// # Key components
//
//   - Service: public entry point (Submit, GetState, Cancel)
//   - BuildMatrix: pure cross-product expansion of the persona lists
//   - Processor: the per-output state machine with phase barriers
//   - Emitter: NATS progress stream with fully materialized payloads
//
// All state lives in the store; every transition is a row update validated
// against the model transition tables. Output failures are tolerated and
// the task completes with the surviving subset; only store unavailability
// or cancellation fails the task.
package swarm
