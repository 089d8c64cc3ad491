package pipe

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalmatheo/gc-controller/internal/calibration"
	"github.com/dalmatheo/gc-controller/internal/gcerr"
	"github.com/dalmatheo/gc-controller/internal/slot"
)

func TestEnsureFIFOIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pad")
	require.NoError(t, EnsureFIFO(path))
	require.NoError(t, EnsureFIFO(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)
}

func TestPushWithNoReaderReturnsPipeNotReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pad")
	require.NoError(t, EnsureFIFO(path))

	s := New(path, nil)
	err := s.Push(slot.Frame{LeftStick: calibration.Point{X: 0, Y: 0}})
	assert.ErrorIs(t, err, gcerr.ErrPipeNotReady)
}

func TestPushWritesSetLinesToReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pad")
	require.NoError(t, EnsureFIFO(path))

	lines := make(chan string, 32)
	go func() {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// Give the reader goroutine a moment to open the pipe for reading
	// before the writer attempts to open for write.
	time.Sleep(50 * time.Millisecond)

	s := New(path, nil)
	defer s.Close()

	err := s.Push(slot.Frame{
		Buttons:      0x1,
		LeftStick:    calibration.Point{X: 0.5, Y: -0.5},
		TriggerLeft:  128,
		TriggerRight: 0,
	})
	require.NoError(t, err)

	// The first Push emits all six analog SET lines followed by PRESS A.
	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 7 {
		select {
		case l := <-lines:
			seen[l] = true
		case <-timeout:
			t.Fatalf("timed out waiting for pipe lines, got: %v", seen)
		}
	}
	assert.True(t, seen["PRESS A"])
}

func TestPushOnlyEmitsChangedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pad")
	require.NoError(t, EnsureFIFO(path))

	done := make(chan struct{})
	go func() {
		f, _ := os.OpenFile(path, os.O_RDONLY, 0)
		if f != nil {
			defer f.Close()
			buf := make([]byte, 4096)
			for {
				if _, err := f.Read(buf); err != nil {
					close(done)
					return
				}
			}
		}
	}()
	time.Sleep(50 * time.Millisecond)

	s := New(path, nil)
	defer s.Close()

	frame := slot.Frame{LeftStick: calibration.Point{X: 0.1, Y: 0.1}}
	require.NoError(t, s.Push(frame))

	firstLines := s.diffLines(frame)
	assert.Empty(t, firstLines, "no fields changed since the last push")
}
