// Package orchestrator runs the response pipeline for incoming messages.
//
// # Overview
//
// The orchestrator decides whether the assistant should answer a message and,
// if so, produces the answer: decision, optional task routing and web search,
// streamed generation, and delivery back through the relay. Each room runs at
// most one generation job at a time; messages arriving mid-job queue in FIFO
// order with the history they saw at enqueue time.
//
// # Pipeline
//
//  1. Evaluate the trigger (heuristics first, then the classifier, fail-open)
//  2. Below the immediate-confidence threshold, wait out a short delay
//  3. Publish the thinking status, then route the task
//  4. On the search route, publish the searching status and augment the
//     query with web context
//  5. Stream deltas to the room, then deliver the assembled message
//
// A failed generation delivers the persona's apology instead; the room lock
// is always released and the next queued trigger starts immediately.
//
// # Room Lifetime
//
// Jobs run on a context detached from the triggering connection, so a user
// closing their tab does not cancel the response. The orchestrator retains
// the room in the registry for the duration of each job; if everyone left
// while the job ran, the room is torn down once the retain is released.
//
// Wait blocks until all in-flight jobs finish; Shutdown uses it to drain.
package orchestrator
