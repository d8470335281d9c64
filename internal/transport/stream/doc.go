// Package stream implements the reliable byte-stream transport on top of TCP.
//
// A Conn carries short control messages and whole files. Two framings are
// available: FramingLength prefixes every message and file with its size so
// the receiver knows exactly where a file ends, and FramingMarker reproduces
// the legacy wire format where a file is terminated by EOFMarker. Marker
// framing truncates any payload that contains the marker bytes verbatim.
package stream
