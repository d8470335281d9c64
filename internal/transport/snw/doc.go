// Package snw implements stop-and-wait ARQ over UDP.
//
// Exactly one chunk is in flight per direction: the sender writes a chunk,
// waits for "ACK" from the same peer, and only then moves on. Ordering is a
// consequence of that loop, so chunks carry no sequence numbers. A missing
// ACK (or a missing chunk on the receiving side) is detected by the receive
// timeout; with MaxRetries set to zero the transfer is aborted immediately,
// otherwise the same chunk is retransmitted a bounded number of times before
// the session is declared aborted.
package snw
