package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/Extra-Chill/plasma-warden/internal/events"
)

// encMode uses Core Deterministic Encoding so identical events always
// produce identical journal bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}
}

// Journal is an append-only file of CBOR-encoded events.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	enc  *cbor.Encoder
	path string
}

// OpenJournal opens path for appending, creating it and its directory.
// A partial record left at the tail by a crash mid-write is cut off first so
// new records start on a record boundary.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	end, err := intactLength(f)
	if err == nil {
		err = f.Truncate(end)
	}
	if err == nil {
		_, err = f.Seek(end, io.SeekStart)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{f: f, enc: encMode.NewEncoder(f), path: path}, nil
}

// intactLength returns the byte length of the complete records at the start
// of f. Malformed data before the tail is an error, not a torn write.
func intactLength(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	dec := decMode.NewDecoder(f)
	var end int64
	for {
		var e events.Event
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return end, nil
		}
		if err != nil {
			return end, fmt.Errorf("record at offset %d: %w", end, err)
		}
		end = int64(dec.NumBytesRead())
	}
}

// Append writes one event and syncs it to disk.
func (j *Journal) Append(e events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	if err := j.enc.Encode(e); err != nil {
		return err
	}
	return j.f.Sync()
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// ReadJournal decodes every event in the journal at path. A truncated final
// record, left by a crash mid-write, ends the replay without error.
func ReadJournal(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := decMode.NewDecoder(f)
	var out []events.Event
	for {
		var e events.Event
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
