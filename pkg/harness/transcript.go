package harness

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// DefaultTranscriptSize is the number of wire lines a device remembers.
const DefaultTranscriptSize uint32 = 256

// Transcript directions
const (
	DirSent     = "-->"
	DirReceived = "<--"
)

// TranscriptEntry is one line that crossed the wire.
type TranscriptEntry struct {
	At   time.Time
	Dir  string
	Line string
}

func (e TranscriptEntry) String() string {
	return fmt.Sprintf("%s %s %s", e.At.Format("15:04:05.000"), e.Dir, e.Line)
}

// transcript keeps the most recent wire lines; older ones are overwritten.
type transcript struct {
	mu   sync.Mutex
	ring mpmc.RichOverlappedRingBuffer[TranscriptEntry]
}

func newTranscript(size uint32) *transcript {
	if size == 0 {
		return nil
	}
	return &transcript{ring: mpmc.NewOverlappedRingBuffer[TranscriptEntry](size)}
}

func (t *transcript) record(dir string, lines ...string) {
	if t == nil {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range lines {
		if _, err := t.ring.EnqueueM(TranscriptEntry{At: now, Dir: dir, Line: line}); err != nil {
			return
		}
	}
}

// snapshot returns the retained entries, oldest first. The ring only
// supports dequeueing, so entries are put back after reading.
func (t *transcript) snapshot() []TranscriptEntry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var entries []TranscriptEntry
	for !t.ring.IsEmpty() {
		e, err := t.ring.Dequeue()
		if err != nil {
			break
		}
		entries = append(entries, e)
	}
	for _, e := range entries {
		_, _ = t.ring.EnqueueM(e)
	}
	return entries
}

// FormatTranscript renders entries one per line.
func FormatTranscript(entries []TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
