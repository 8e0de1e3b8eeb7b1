package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtxlink/minibridge/vdt"
)

// fakeLine is a scripted serial line: Read serves the reply byte stream,
// Write records commands, and zero-byte reads model the bounded read timeout.
type fakeLine struct {
	mu       sync.Mutex
	reply    []byte
	written  []byte
	resets   int
	closed   bool
	writeErr error
}

func (f *fakeLine) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.reply) == 0 {
		return 0, nil // read timeout
	}

	n := copy(p, f.reply)
	f.reply = f.reply[n:]

	return n, nil
}

func (f *fakeLine) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, p...)

	return len(p), nil
}

func (f *fakeLine) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++

	return nil
}

func (f *fakeLine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

func (f *fakeLine) writtenBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]byte, len(f.written))
	copy(out, f.written)

	return out
}

// scriptedOpener maps baud rates to scripted lines and records the order the
// candidates were tried in. Bauds without a script open a silent line.
type scriptedOpener struct {
	mu     sync.Mutex
	lines  map[int]*fakeLine
	opened []int
	errAt  map[int]error
}

func newScriptedOpener() *scriptedOpener {
	return &scriptedOpener{
		lines: make(map[int]*fakeLine),
		errAt: make(map[int]error),
	}
}

func (s *scriptedOpener) open(_ string, baud int) (Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opened = append(s.opened, baud)

	if err := s.errAt[baud]; err != nil {
		return nil, err
	}

	line, ok := s.lines[baud]
	if !ok {
		line = &fakeLine{}
		s.lines[baud] = line
	}

	return line, nil
}

func (s *scriptedOpener) openedBauds() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, len(s.opened))
	copy(out, s.opened)

	return out
}

func newTestProber(t *testing.T, opener *scriptedOpener, opts ...Option) *Prober {
	t.Helper()

	opts = append([]Option{
		WithLineOpener(opener.open),
		WithSettleInterval(time.Millisecond),
	}, opts...)

	p, err := NewProber(opts...)
	require.NoError(t, err)

	return p
}

func enqromReply(code byte) []byte {
	return []byte{vdt.SOH, 0x00, code, 0x00, vdt.EOT}
}

// --- Detection tests ---

func TestDetect_FirstCandidateWins(t *testing.T) {
	opener := newScriptedOpener()
	opener.lines[1200] = &fakeLine{reply: enqromReply('b')}

	p := newTestProber(t, opener)
	result := p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, Result{Model: "Minitel 1", Speed: 1200}, result)
	assert.Equal(t, []int{1200}, opener.openedBauds(), "later candidates must not be tried")
}

func TestDetect_SweepsCandidatesInOrder(t *testing.T) {
	opener := newScriptedOpener()
	opener.lines[9600] = &fakeLine{reply: enqromReply('v')}

	p := newTestProber(t, opener)
	result := p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, Result{Model: "Minitel 2", Speed: 9600}, result)
	assert.Equal(t, []int{1200, 4800, 9600}, opener.openedBauds())
}

func TestDetect_ReplyAtIntermediateCandidate(t *testing.T) {
	// A Minitel 2 answering at 4800 baud reports its native 9600 speed.
	opener := newScriptedOpener()
	opener.lines[4800] = &fakeLine{reply: []byte{0x01, 0x00, 0x76, 0x00, 0x04}}

	p := newTestProber(t, opener)
	result := p.Detect(context.Background(), "/dev/tty0")

	assert.Equal(t, "Minitel 2", result.Model)
	assert.Equal(t, 9600, result.Speed)
	assert.Equal(t, []int{1200, 4800}, opener.openedBauds())
}

func TestDetect_ExhaustedSweepReturnsUnknown(t *testing.T) {
	opener := newScriptedOpener()

	p := newTestProber(t, opener)
	result := p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, Unknown, result)
	assert.Equal(t, []int{1200, 4800, 9600}, opener.openedBauds())
}

func TestDetect_UnlistedROMCode(t *testing.T) {
	// An unlisted code is a valid reply; it maps to the Unknown sentinel
	// and stops the sweep.
	opener := newScriptedOpener()
	opener.lines[1200] = &fakeLine{reply: enqromReply('q')}

	p := newTestProber(t, opener)
	result := p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, Unknown, result)
	assert.Equal(t, []int{1200}, opener.openedBauds())
}

func TestDetect_MalformedReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"empty", nil},
		{"short", []byte{vdt.SOH, 0x00, 'v'}},
		{"bad start", []byte{0x7F, 0x00, 'v', 0x00, vdt.EOT}},
		{"bad end", []byte{vdt.SOH, 0x00, 'v', 0x00, 0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := newScriptedOpener()
			opener.lines[1200] = &fakeLine{reply: tt.reply}

			p := newTestProber(t, opener)
			result := p.Detect(context.Background(), "/dev/ttyUSB0")

			assert.Equal(t, Unknown, result)
			assert.Equal(t, []int{1200, 4800, 9600}, opener.openedBauds(),
				"a malformed reply must fall through to the next candidate")
		})
	}
}

func TestDetect_OpenFailureFallsThrough(t *testing.T) {
	opener := newScriptedOpener()
	opener.errAt[1200] = errors.New("device busy")
	opener.lines[4800] = &fakeLine{reply: enqromReply('u')}

	p := newTestProber(t, opener)
	result := p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, Result{Model: "Minitel 1B", Speed: 4800}, result)
}

func TestDetect_WriteFailureFallsThrough(t *testing.T) {
	opener := newScriptedOpener()
	opener.lines[1200] = &fakeLine{writeErr: errors.New("io error")}
	opener.lines[4800] = &fakeLine{reply: enqromReply('w')}

	p := newTestProber(t, opener)
	result := p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, Result{Model: "Minitel 10B", Speed: 4800}, result)
}

func TestDetect_SendsENQROMAfterReset(t *testing.T) {
	opener := newScriptedOpener()
	line := &fakeLine{reply: enqromReply('b')}
	opener.lines[1200] = line

	p := newTestProber(t, opener)
	p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, []byte{0x1B, 0x39, 0x7B}, line.writtenBytes())
	assert.Equal(t, 1, line.resets, "input buffer must be drained before probing")
	assert.True(t, line.closed)
}

func TestDetect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opener := newScriptedOpener()
	opener.lines[1200] = &fakeLine{reply: enqromReply('v')}

	p := newTestProber(t, opener)
	result := p.Detect(ctx, "/dev/ttyUSB0")

	assert.Equal(t, Unknown, result)
	assert.Empty(t, opener.openedBauds())
}

func TestDetect_FullModelTable(t *testing.T) {
	tests := []struct {
		code  byte
		model string
		speed int
	}{
		{'b', "Minitel 1", 1200},
		{'c', "Minitel 1", 1200},
		{'d', "Minitel 10", 1200},
		{'e', "Minitel 1 Couleur", 1200},
		{'f', "Minitel 10", 1200},
		{'g', "Émulateur", 9600},
		{'r', "Minitel 1", 1200},
		{'s', "Minitel 1 Couleur", 1200},
		{'t', "Terminatel 252", 1200},
		{'u', "Minitel 1B", 4800},
		{'v', "Minitel 2", 9600},
		{'w', "Minitel 10B", 4800},
		{'y', "Minitel 5", 9600},
		{'z', "Minitel 12", 9600},
	}

	for _, tt := range tests {
		t.Run(tt.model+"/"+string(tt.code), func(t *testing.T) {
			opener := newScriptedOpener()
			opener.lines[1200] = &fakeLine{reply: enqromReply(tt.code)}

			p := newTestProber(t, opener)
			result := p.Detect(context.Background(), "/dev/ttyUSB0")

			assert.Equal(t, tt.model, result.Model)
			assert.Equal(t, tt.speed, result.Speed)
		})
	}
}

// --- Speed programming tests ---

func TestDetect_ProgramsTerminalSpeed(t *testing.T) {
	// Minitel 2 answering at 1200 with native speed 9600: the line is
	// reopened at the probed baud and the PROG command carries 0x7F.
	opener := newScriptedOpener()
	opener.lines[1200] = &fakeLine{reply: enqromReply('v')}

	p := newTestProber(t, opener, WithSpeedProgramming(true))
	result := p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, 9600, result.Speed)
	assert.Equal(t, []int{1200, 1200}, opener.openedBauds())

	written := opener.lines[1200].writtenBytes()
	assert.Equal(t, []byte{0x1B, 0x39, 0x7B, 0x1B, 0x3A, 0x6B, 0x7F}, written)
}

func TestDetect_NoProgrammingWhenSpeedsMatch(t *testing.T) {
	opener := newScriptedOpener()
	line := &fakeLine{reply: enqromReply('b')}
	opener.lines[1200] = line

	p := newTestProber(t, opener, WithSpeedProgramming(true))
	result := p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, 1200, result.Speed)
	assert.Equal(t, []int{1200}, opener.openedBauds())
	assert.Equal(t, []byte{0x1B, 0x39, 0x7B}, line.writtenBytes())
}

func TestDetect_NoProgrammingByDefault(t *testing.T) {
	opener := newScriptedOpener()
	opener.lines[1200] = &fakeLine{reply: enqromReply('v')}

	p := newTestProber(t, opener)
	p.Detect(context.Background(), "/dev/ttyUSB0")

	assert.Equal(t, []int{1200}, opener.openedBauds())
}

// --- Model table tests ---

func TestLookupModel_Unlisted(t *testing.T) {
	assert.Equal(t, Unknown, lookupModel(0x00))
	assert.Equal(t, Unknown, lookupModel('a'))
}

func TestSpeedConfigByte(t *testing.T) {
	tests := []struct {
		baud int
		want byte
	}{
		{300, 0x52},
		{1200, 0x64},
		{4800, 0x76},
		{9600, 0x7F},
	}

	for _, tt := range tests {
		got, ok := speedConfigByte(tt.baud)
		require.True(t, ok, "baud %d", tt.baud)
		assert.Equal(t, tt.want, got, "baud %d", tt.baud)
	}

	_, ok := speedConfigByte(2400)
	assert.False(t, ok)
}

// --- Option tests ---

func TestNewProber_OptionErrors(t *testing.T) {
	_, err := NewProber(WithLogger(nil))
	assert.Error(t, err)

	_, err = NewProber(WithLineOpener(nil))
	assert.Error(t, err)

	_, err = NewProber(WithSettleInterval(0))
	assert.Error(t, err)
}
