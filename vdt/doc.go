// Package vdt implements the Videotex control sequences and the .vdt capture
// file format used by the bridge.
//
// The codec side builds the fixed Minitel control sequences (echo disable,
// init sequence) and wraps or strips the optional capture framing markers.
// The recorder side accumulates bytes observed on the bridge data path and
// seals them into an immutable CaptureArtifact.
//
// A .vdt capture is a raw byte stream with no header or length field:
//
//	[STX] [init sequence] payload [ETX]
//
// Both the single-byte STX/ETX markers and the 13-byte init sequence are
// optional. Markers are detected by first/last byte inspection; the presence
// of the init sequence is a playback convention, not a parseable field.
package vdt
