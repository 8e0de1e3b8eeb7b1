package vdt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCapture_Framed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framed.vdt")
	require.NoError(t, os.WriteFile(path, WrapWithMarkers([]byte("page")), 0o644))

	payload, hadMarkers, err := LoadCapture(path)
	require.NoError(t, err)
	assert.True(t, hadMarkers)
	assert.Equal(t, []byte("page"), payload)
}

func TestLoadCapture_Unframed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.vdt")
	require.NoError(t, os.WriteFile(path, []byte("raw bytes"), 0o644))

	payload, hadMarkers, err := LoadCapture(path)
	require.NoError(t, err)
	assert.False(t, hadMarkers)
	assert.Equal(t, []byte("raw bytes"), payload)
}

func TestLoadCapture_MissingFile(t *testing.T) {
	_, _, err := LoadCapture(filepath.Join(t.TempDir(), "nope.vdt"))
	assert.Error(t, err)
}

func TestSaveArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.vdt")
	artifact := &CaptureArtifact{Framed: true, Payload: WrapWithMarkers([]byte("hello"))}

	require.NoError(t, SaveArtifact(path, artifact))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, artifact.Payload, raw)
}

func TestSaveArtifact_Nil(t *testing.T) {
	err := SaveArtifact(filepath.Join(t.TempDir(), "nil.vdt"), nil)
	assert.Error(t, err)
}

func TestSaveArtifact_RoundTrip(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Start(false))
	r.OnBytesObserved(NetToSerial, []byte("screen"))

	artifact, err := r.StopAndSeal(true, true)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "session.vdt")
	require.NoError(t, SaveArtifact(path, artifact))

	payload, hadMarkers, err := LoadCapture(path)
	require.NoError(t, err)
	assert.True(t, hadMarkers)
	assert.Equal(t, append(BuildInitSequence(), []byte("screen")...), payload)
}
