// Package protocol defines the text command grammar and the control vocabulary
// exchanged between requester, cache and origin. Both transports share the
// same vocabulary; only the command spelling differs ("get x" on the stream
// transport, "GET:x" on the datagram transport). The package also owns the
// error taxonomy so every layer can classify failures with errors.Is.
package protocol
