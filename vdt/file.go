package vdt

import (
	"fmt"
	"os"
)

// LoadCapture reads a .vdt capture file and strips the STX/ETX framing
// markers when present.
//
// It returns the payload ready for transmission and whether markers were
// stripped. The init sequence, if any, is left in place: it is replayed to
// the terminal like any other content.
func LoadCapture(path string) ([]byte, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("vdt: failed to read capture file: %w", err)
	}

	payload, hadMarkers := StripMarkers(raw)

	return payload, hadMarkers, nil
}

// SaveArtifact writes a sealed capture artifact to path in .vdt layout.
func SaveArtifact(path string, artifact *CaptureArtifact) error {
	if artifact == nil {
		return fmt.Errorf("vdt: artifact is nil")
	}

	if err := os.WriteFile(path, artifact.Payload, 0o644); err != nil {
		return fmt.Errorf("vdt: failed to write capture file: %w", err)
	}

	return nil
}
