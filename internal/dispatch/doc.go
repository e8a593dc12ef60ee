// Package dispatch is the worker-facing side of the bridge.
//
// Callers submit commands, the in-editor worker pulls leased batches and
// reports outcomes, and anyone may poll a command's status. The Service wraps
// the durable queue and adds the things the queue does not own:
//
//   - lifecycle events for streaming clients
//   - wire conversion to and from the worker protocol
//   - per-item outcomes for batch reports
//   - capturing introspect-scene results as the current scene snapshot
//
// Every state change still happens inside the queue's transactions; this
// package never mutates a record directly.
package dispatch
