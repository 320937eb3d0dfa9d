// Package stores provides the SQLite persistence layer of wsm. One
// database holds the resource rows the lifecycle manager guards, the run
// journal with its step audit trail, and the event log. Schema changes are
// applied by embedded migrations.
package stores
