// Package rotation replaces a domain's active signing key without ever
// leaving the domain unable to sign or verify.
//
// A rotation proceeds in three phases under a per-domain distributed
// lock:
//
//  1. Prepare: generate the candidate key pair, persist both PEMs and an
//     origin metadata record, then demote the incumbent by moving its
//     metadata to the archive partition with an expiry of key TTL plus
//     grace period.
//  2. Commit: inside a policy store transaction, re-check that the
//     incumbent is still the active kid (another instance may have won
//     the race), then flip the policy to the candidate and recompute the
//     rotation dates.
//  3. Cleanup: delete the retired private key, flush the read-side
//     caches, and publish the new kid. These are best effort; the flip
//     is already durable.
//
// Any store failure before the commit lands rolls the staged state back:
// candidate material and metadata are removed, the incumbent's origin
// record is restored, and the premature archive entry is deleted. A
// rollback that cannot re-establish the incumbent as active surfaces as
// a fatal error, which the scheduler refuses to retry.
//
// The Scheduler sweeps due policies sequentially and retries failed
// rotations a bounded number of times.
package rotation
