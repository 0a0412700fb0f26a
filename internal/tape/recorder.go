// Package tape implements the tape schema, recorder, and reader.
//
// A tape directory holds three files: raw_ws.jsonl (exact wire bytes),
// events.jsonl (normalized Events), and meta.json (tape-level summary).
// The Recorder flushes the two append-only streams on every write and
// finalizes meta.json via marshal → write .tmp → os.Rename, so a crash
// loses at most one partial line. The Reader is a restartable,
// forward-only scanner over events.jsonl.
package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"simtrader/pkg/types"
)

// CurrentParserVersion is the only parser_version the Reader accepts.
const CurrentParserVersion = 1

const (
	rawFrameFile    = "raw_ws.jsonl"
	eventsFile      = "events.jsonl"
	metaFile        = "meta.json"
	RecorderVersion = "simtrader-tape-v1"
)

// Recorder writes a new tape directory. It refuses to
// overwrite an existing tape directory, assigns dense seq numbers to
// normalized events in wire order, and flushes every line before returning
// from the Append methods so a crash loses at most one partial line.
type Recorder struct {
	mu sync.Mutex

	dir     string
	rawFile *os.File
	evFile  *os.File
	rawEnc  *json.Encoder
	evEnc   *json.Encoder

	nextSeq      int64
	frameSeq     int64
	assetIDs     map[string]bool
	firstSnapSeq map[string]int64
	meta         types.TapeMeta
	closed       bool
}

// Open creates a new tape directory at dir. It fails if dir already exists,
// since a tape is immutable once written.
func Open(dir, tapeID string, assetIDs []string, createdAtMs int64) (*Recorder, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("tape: refusing to overwrite existing tape directory %s", dir)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("tape: stat %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tape: create dir: %w", err)
	}

	rawFile, err := os.OpenFile(filepath.Join(dir, rawFrameFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tape: create %s: %w", rawFrameFile, err)
	}
	evFile, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		rawFile.Close()
		return nil, fmt.Errorf("tape: create %s: %w", eventsFile, err)
	}

	assetSet := make(map[string]bool, len(assetIDs))
	for _, id := range assetIDs {
		assetSet[id] = true
	}

	return &Recorder{
		dir:          dir,
		rawFile:      rawFile,
		evFile:       evFile,
		rawEnc:       json.NewEncoder(rawFile),
		evEnc:        json.NewEncoder(evFile),
		nextSeq:      1,
		assetIDs:     assetSet,
		firstSnapSeq: make(map[string]int64),
		meta: types.TapeMeta{
			TapeID:          tapeID,
			CreatedAtMs:     createdAtMs,
			AssetIDs:        assetIDs,
			ParserVersion:   CurrentParserVersion,
			RecorderVersion: RecorderVersion,
			RunQuality:      types.QualityOK,
		},
	}, nil
}

// AppendRawFrame writes one exact wire frame, flushing before returning
//). frame_seq is assigned by the recorder, densely, per frame.
func (r *Recorder) AppendRawFrame(tsRecvMs int64, raw string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	frame := types.RawFrame{FrameSeq: r.frameSeq, TsRecvMs: tsRecvMs, Raw: raw}
	if err := r.rawEnc.Encode(frame); err != nil {
		r.meta.Warnings = append(r.meta.Warnings, fmt.Sprintf("recorder io error on frame %d: %v", r.frameSeq, err))
		return fmt.Errorf("%w: %v", types.ErrRecorderIO, err)
	}
	if err := r.rawFile.Sync(); err != nil {
		return fmt.Errorf("%w: sync raw frame: %v", types.ErrRecorderIO, err)
	}
	r.frameSeq++
	r.meta.FrameCount++
	return nil
}

// RecordEvents assigns dense seq numbers (in wire order) to one wire
// frame's normalized events and appends them). Events passed in
// must already carry Kind/AssetID/payload; Seq and ParserVersion are
// overwritten here. Returns TapeCorrupt if an asset id is outside the
// tape's declared set).
func (r *Recorder) RecordEvents(events []types.Event) ([]types.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Event, 0, len(events))
	for i := range events {
		ev := events[i]
		if ev.Kind != types.KindControl && len(r.assetIDs) > 0 && !r.assetIDs[ev.AssetID] {
			return out, fmt.Errorf("%w: event for undeclared asset %q", types.ErrTapeCorrupt, ev.AssetID)
		}
		ev.Seq = r.nextSeq
		ev.ParserVersion = CurrentParserVersion

		if ev.Kind == types.KindBookSnapshot {
			if _, seen := r.firstSnapSeq[ev.AssetID]; !seen {
				r.firstSnapSeq[ev.AssetID] = ev.Seq
			}
		}

		if err := r.evEnc.Encode(ev); err != nil {
			return out, fmt.Errorf("%w: %v", types.ErrRecorderIO, err)
		}
		r.nextSeq++
		r.meta.EventCount++
		out = append(out, ev)
	}
	if err := r.evFile.Sync(); err != nil {
		return out, fmt.Errorf("%w: sync events: %v", types.ErrRecorderIO, err)
	}
	return out, nil
}

// RecordReconnect appends a control:ws_reconnect event ahead of any new
// market events, and counts it in meta.json.
func (r *Recorder) RecordReconnect(tsRecvMs int64, assetID string) ([]types.Event, error) {
	r.mu.Lock()
	r.meta.Reconnects++
	r.mu.Unlock()
	return r.RecordEvents([]types.Event{{
		TsRecvMs: tsRecvMs,
		AssetID:  assetID,
		Kind:     types.KindControl,
		Control:  &types.ControlPayload{Subkind: types.ControlWSReconnect},
	}})
}

// RecordGap appends a control:ws_gap event when a post-reconnect snapshot
// does not match prior state).
func (r *Recorder) RecordGap(tsRecvMs int64, assetID string) ([]types.Event, error) {
	r.mu.Lock()
	r.meta.Gaps++
	r.mu.Unlock()
	return r.RecordEvents([]types.Event{{
		TsRecvMs: tsRecvMs,
		AssetID:  assetID,
		Kind:     types.KindControl,
		Control:  &types.ControlPayload{Subkind: types.ControlWSGap},
	}})
}

// Close finalizes meta.json (atomic write, matching internal/store.Store's
// marshal→.tmp→rename pattern) and closes both streams. If exitReason is
// non-empty it is recorded in meta.json alongside run_quality.
func (r *Recorder) Close(runQuality types.RunQuality, exitReason types.ExitReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	r.meta.RunQuality = runQuality
	r.meta.ExitReason = exitReason
	r.meta.FirstSnapshotSeqByAsset = r.firstSnapSeq

	var firstErr error
	if err := r.rawFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.evFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	data, err := json.MarshalIndent(r.meta, "", "  ")
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	path := filepath.Join(r.dir, metaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	if err := os.Rename(tmp, path); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
