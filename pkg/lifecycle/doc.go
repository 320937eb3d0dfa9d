// Package lifecycle guards every resource row with a small state machine.
//
// A resource moves between CREATING, READY, UPDATING, DELETING and BROKEN.
// Entering an active state (CREATING, UPDATING, DELETING) records the id of
// the run doing the work; leaving it requires the same run id. Each
// transition is a single compare-and-set on (state, run id), so two runs
// racing for the same resource can never both win.
//
// Repeating a transition that has already been applied for the same run is a
// success, which makes the lifecycle steps of a workflow safe to re-execute
// after a crash.
package lifecycle
