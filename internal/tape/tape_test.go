package tape

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

func snapshotEvent(assetID string) types.Event {
	return types.Event{
		AssetID: assetID,
		Kind:    types.KindBookSnapshot,
		BookSnapshot: &types.BookSnapshotPayload{
			Bids:     []types.BookLevel{{Price: decimal.RequireFromString("0.50"), Size: decimal.RequireFromString("10")}},
			Asks:     []types.BookLevel{{Price: decimal.RequireFromString("0.55"), Size: decimal.RequireFromString("10")}},
			TickSize: decimal.RequireFromString("0.01"),
		},
	}
}

func priceChangeEvent(assetID string) types.Event {
	return types.Event{
		AssetID: assetID,
		Kind:    types.KindPriceChange,
		PriceChange: &types.PriceChangePayload{
			Changes: []types.PriceChangeEntry{{Side: types.Buy, Price: decimal.RequireFromString("0.50"), Size: decimal.RequireFromString("5")}},
		},
	}
}

// Round-trip law: recording a synthetic sequence of events and reading
// them back yields the same sequence (modulo ts_recv_ms).
func TestRecorderReaderRoundTrip(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "tape1")

	rec, err := Open(dir, "tape1", []string{"asset-a"}, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := rec.RecordEvents([]types.Event{snapshotEvent("asset-a")}); err != nil {
		t.Fatalf("RecordEvents snapshot: %v", err)
	}
	if _, err := rec.RecordEvents([]types.Event{priceChangeEvent("asset-a"), priceChangeEvent("asset-a")}); err != nil {
		t.Fatalf("RecordEvents price_change batch: %v", err)
	}
	if err := rec.Close(types.QualityOK, types.ExitEndOfTape); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	var seqs []int64
	var kinds []types.EventKind
	for r.Next() {
		seqs = append(seqs, r.Event().Seq)
		kinds = append(kinds, r.Event().Kind)
	}
	if err := r.Err(); err != io.EOF {
		t.Fatalf("Err() = %v, want io.EOF", err)
	}

	wantSeqs := []int64{1, 2, 3}
	if len(seqs) != len(wantSeqs) {
		t.Fatalf("got %d events, want %d", len(seqs), len(wantSeqs))
	}
	for i, want := range wantSeqs {
		if seqs[i] != want {
			t.Errorf("seq[%d] = %d, want %d", i, seqs[i], want)
		}
	}
	wantKinds := []types.EventKind{types.KindBookSnapshot, types.KindPriceChange, types.KindPriceChange}
	for i, want := range wantKinds {
		if kinds[i] != want {
			t.Errorf("kind[%d] = %s, want %s", i, kinds[i], want)
		}
	}
}

// Re-reading the same tape from the start yields an
// identical event sequence.
func TestReaderRestartability(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "tape1")

	rec, err := Open(dir, "tape1", []string{"asset-a"}, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := rec.RecordEvents([]types.Event{snapshotEvent("asset-a"), priceChangeEvent("asset-a")}); err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}
	if err := rec.Close(types.QualityOK, types.ExitEndOfTape); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	var first []int64
	for r.Next() {
		first = append(first, r.Event().Seq)
	}

	if err := r.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	var second []int64
	for r.Next() {
		second = append(second, r.Event().Seq)
	}

	if len(first) != len(second) {
		t.Fatalf("restart produced %d events, want %d", len(second), len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("event[%d] seq = %d after restart, want %d", i, second[i], first[i])
		}
	}
}

// raw_ws.jsonl carries the exact wire bytes with recorder-assigned dense
// framing, independent of the normalized event stream.
func TestRecorderAppendRawFrame(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "tape1")

	rec, err := Open(dir, "tape1", []string{"asset-a"}, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rec.AppendRawFrame(1000, `{"event_type":"book","asset_id":"asset-a"}`); err != nil {
		t.Fatalf("AppendRawFrame: %v", err)
	}
	if err := rec.AppendRawFrame(2000, `{"event_type":"price_change","asset_id":"asset-a"}`); err != nil {
		t.Fatalf("AppendRawFrame: %v", err)
	}
	if err := rec.Close(types.QualityOK, types.ExitEndOfTape); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, rawFrameFile))
	if err != nil {
		t.Fatalf("read %s: %v", rawFrameFile, err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("raw_ws.jsonl has %d lines, want 2", len(lines))
	}
	for i, line := range lines {
		var frame types.RawFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			t.Fatalf("unmarshal raw frame line %d: %v", i, err)
		}
		if frame.FrameSeq != int64(i) {
			t.Errorf("frame_seq[%d] = %d, want %d", i, frame.FrameSeq, i)
		}
		if frame.Raw == "" {
			t.Errorf("frame %d lost its wire bytes", i)
		}
	}

	metaData, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		t.Fatalf("read meta.json: %v", err)
	}
	var meta types.TapeMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		t.Fatalf("unmarshal meta.json: %v", err)
	}
	if meta.FrameCount != 2 {
		t.Errorf("frame_count = %d, want 2", meta.FrameCount)
	}
}

func TestRecorderRefusesToOverwriteExistingTape(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "tape1")

	rec, err := Open(dir, "tape1", []string{"asset-a"}, 1000)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	rec.Close(types.QualityOK, types.ExitEndOfTape)

	if _, err := Open(dir, "tape1", []string{"asset-a"}, 2000); err == nil {
		t.Error("expected Open to refuse an existing tape directory")
	}
}

func TestRecorderRejectsUndeclaredAsset(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "tape1")

	rec, err := Open(dir, "tape1", []string{"asset-a"}, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close(types.QualityInvalid, types.ExitError)

	_, err = rec.RecordEvents([]types.Event{snapshotEvent("asset-unknown")})
	if !errors.Is(err, types.ErrTapeCorrupt) {
		t.Errorf("RecordEvents error = %v, want ErrTapeCorrupt", err)
	}
}

// A price_change before the asset's first book_snapshot is
// TapeCorrupt.
func TestReaderRejectsPriceChangeBeforeSnapshot(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "tape1")

	// Record a price_change with no preceding book_snapshot (the Recorder
	// does not check event order) to exercise the reader's check.
	rec, err := Open(dir, "tape1", []string{"asset-a"}, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev := priceChangeEvent("asset-a")
	ev.Seq = 1
	ev.ParserVersion = CurrentParserVersion
	if err := rec.evEnc.Encode(ev); err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec.nextSeq = 2
	rec.meta.EventCount = 1
	if err := rec.Close(types.QualityOK, types.ExitEndOfTape); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	if r.Next() {
		t.Fatal("expected Next to fail on price_change before snapshot")
	}
	if !errors.Is(r.Err(), types.ErrTapeCorrupt) {
		t.Errorf("Err() = %v, want ErrTapeCorrupt", r.Err())
	}
}
