// Package registry matches inbound broker records to the callers waiting
// for them.
//
// Records arrive on one reader goroutine and are queued either by record
// kind (unsolicited traffic) or by correlation tag (responses and pushed
// notifications). Callers block in TakeKind or TakeTagged; TakeTagged waits
// on any of a set of tags and returns the first one to receive a record.
//
// Lock discipline: each kind queue has its own mutex, tagged queues live in
// tag-sharded buckets with one mutex each, and no code path holds two of
// these locks at once.
package registry
