package tape

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"simtrader/pkg/types"
)

const maxLineBytes = 4 * 1024 * 1024

// Reader produces a restartable, finite, lazy forward-only sequence of
// Events from a tape directory, with per-record validation of seq
// density, parser version, and asset membership.
type Reader struct {
	dir  string
	meta types.TapeMeta

	file    *os.File
	scanner *bufio.Scanner

	assetIDs        map[string]bool
	firstSnapshotAt map[string]bool // asset has been seen with a book_snapshot

	lastSeq int64
	current types.Event
	err     error
}

// OpenReader opens a tape directory for forward-only reading. It loads
// meta.json to learn the declared asset set and parser_version.
func OpenReader(dir string) (*Reader, error) {
	metaBytes, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("tape: read meta.json: %w", err)
	}
	var meta types.TapeMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("tape: unmarshal meta.json: %w", err)
	}

	r := &Reader{dir: dir, meta: meta}
	if err := r.openEventsFile(); err != nil {
		return nil, err
	}
	r.reset()
	return r, nil
}

func (r *Reader) openEventsFile() error {
	f, err := os.Open(filepath.Join(r.dir, eventsFile))
	if err != nil {
		return fmt.Errorf("tape: open events.jsonl: %w", err)
	}
	r.file = f
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	r.scanner = scanner
	return nil
}

func (r *Reader) reset() {
	r.assetIDs = make(map[string]bool, len(r.meta.AssetIDs))
	for _, id := range r.meta.AssetIDs {
		r.assetIDs[id] = true
	}
	r.firstSnapshotAt = make(map[string]bool)
	r.lastSeq = 0
	r.err = nil
}

// Restart rewinds the reader to the beginning of the tape, satisfying the
// restartability requirement without requiring the
// caller to reopen the directory.
func (r *Reader) Restart() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("tape: seek to start: %w", err)
	}
	scanner := bufio.NewScanner(r.file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	r.scanner = scanner
	r.reset()
	return nil
}

// Meta returns the tape's meta.json contents.
func (r *Reader) Meta() types.TapeMeta { return r.meta }

// Next parses the next event from the stream, validating it against the
// tape's invariants. It returns false at clean end of tape
// (Err() == io.EOF) or on the first TapeCorrupt violation (Err() returns
// the wrapped error).
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			r.err = fmt.Errorf("tape: scan events.jsonl: %w", err)
		} else {
			r.err = io.EOF
		}
		return false
	}

	var ev types.Event
	if err := json.Unmarshal(r.scanner.Bytes(), &ev); err != nil {
		r.err = fmt.Errorf("%w: malformed event line: %v", types.ErrTapeCorrupt, err)
		return false
	}

	if ev.ParserVersion != CurrentParserVersion {
		r.err = fmt.Errorf("%w: unknown parser_version %d at seq %d", types.ErrTapeCorrupt, ev.ParserVersion, ev.Seq)
		return false
	}
	if ev.Seq != r.lastSeq+1 {
		r.err = fmt.Errorf("%w: non-dense seq: got %d, want %d", types.ErrTapeCorrupt, ev.Seq, r.lastSeq+1)
		return false
	}
	if len(r.assetIDs) > 0 && ev.Kind != types.KindControl && !r.assetIDs[ev.AssetID] {
		r.err = fmt.Errorf("%w: asset %q outside declared asset_ids at seq %d", types.ErrTapeCorrupt, ev.AssetID, ev.Seq)
		return false
	}
	if ev.Kind == types.KindPriceChange && !r.firstSnapshotAt[ev.AssetID] {
		r.err = fmt.Errorf("%w: price_change for %q before first book_snapshot at seq %d", types.ErrTapeCorrupt, ev.AssetID, ev.Seq)
		return false
	}
	if ev.Kind == types.KindBookSnapshot {
		r.firstSnapshotAt[ev.AssetID] = true
	}

	r.lastSeq = ev.Seq
	r.current = ev
	return true
}

// Event returns the event most recently parsed by Next.
func (r *Reader) Event() types.Event { return r.current }

// Err returns the last error from Next, which may be io.EOF on clean
// end-of-tape.
func (r *Reader) Err() error { return r.err }

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
