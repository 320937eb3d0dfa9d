// Package resources assembles per-type provisioning workflows.
//
// A Registry maps each resource Type to a Builder holding the type's create,
// update and delete steps. The Composer wraps those steps between lifecycle
// steps that claim the resource row before any cloud call and release it
// afterwards, so a row is only visible as READY once its workflow finished.
//
// Workflows are identified by name ("<type>.<stewardship>.<operation>") and
// read everything else from their input parameters, which lets a run be
// rebuilt from its journal entry after a restart.
package resources
