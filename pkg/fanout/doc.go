// Package fanout starts one long-running remote operation per enumerated
// item, polls every operation concurrently until it finishes or hits its
// ceiling, and aggregates the results into buckets by terminal status.
//
// Items are started as soon as the Source yields them, so a large listing
// never has to be held in memory. Run returns only after every poll it
// started has returned.
package fanout
