// ABOUTME: Package dedupe suppresses reprocessing of replayed client envelopes
// ABOUTME: using a TTL-bounded, size-capped seen-set
package dedupe
