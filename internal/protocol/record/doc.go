// Package record owns the typed broker records carried inside frames.
//
// Ownership boundary:
// - one struct per record kind
// - frame <-> record encode/decode at the transport boundary
// - schema validation of inbound and outbound field sets
package record
