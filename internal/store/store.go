// Package store writes a run directory's artifact streams: the
// append-only decisions/orders/fills/ledger/equity_curve/best_bid_ask
// JSONL files, plus meta.json and run_manifest.json. Streams flush on
// every write; the two JSON documents use atomic marshal→.tmp→rename.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"simtrader/pkg/types"
)

const (
	decisionsFile  = "decisions.jsonl"
	ordersFile     = "orders.jsonl"
	fillsFile      = "fills.jsonl"
	ledgerFile     = "ledger.jsonl"
	equityFile     = "equity_curve.jsonl"
	bestBidAskFile = "best_bid_ask.jsonl"
	metaFile       = "meta.json"
	manifestFile   = "run_manifest.json"
)

var streamFiles = []string{decisionsFile, ordersFile, fillsFile, ledgerFile, equityFile, bestBidAskFile}

// stream is one append-only JSONL artifact: an encoder writing to the file
// and a running hash of every line written, used to produce run_manifest's
// stable per-stream hash.
type stream struct {
	file *os.File
	enc  *json.Encoder
	hash hash.Hash
}

func openStream(dir, name string) (*stream, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: create %s: %w", name, err)
	}
	h := sha256.New()
	return &stream{
		file: f,
		enc:  json.NewEncoder(io.MultiWriter(f, h)),
		hash: h,
	}, nil
}

func (s *stream) append(v any) error {
	if err := s.enc.Encode(v); err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	return s.file.Sync()
}

func (s *stream) close() error {
	return s.file.Close()
}

// Store persists one run directory's artifacts, crash-safely: every
// streamed line is flushed before the call returns, and both JSON
// documents use atomic write-then-rename. Artifact sinks are
// append-only writers owned by the engine.
type Store struct {
	mu  sync.Mutex
	dir string

	decisions  *stream
	orders     *stream
	fills      *stream
	ledger     *stream
	equity     *stream
	bestBidAsk *stream

	closed bool
}

// Open creates a new run directory at dir, refusing to overwrite an
// existing one (matching the tape Recorder's convention).
func Open(dir string) (*Store, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("store: refusing to overwrite existing run directory %s", dir)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: stat %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	st := &Store{dir: dir}
	var err error
	if st.decisions, err = openStream(dir, decisionsFile); err != nil {
		return nil, err
	}
	if st.orders, err = openStream(dir, ordersFile); err != nil {
		return nil, err
	}
	if st.fills, err = openStream(dir, fillsFile); err != nil {
		return nil, err
	}
	if st.ledger, err = openStream(dir, ledgerFile); err != nil {
		return nil, err
	}
	if st.equity, err = openStream(dir, equityFile); err != nil {
		return nil, err
	}
	if st.bestBidAsk, err = openStream(dir, bestBidAskFile); err != nil {
		return nil, err
	}
	return st, nil
}

// AppendDecision writes one decisions.jsonl row.
func (s *Store) AppendDecision(d types.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisions.append(d)
}

// AppendOrderTransition writes one orders.jsonl row.
func (s *Store) AppendOrderTransition(r types.OrderLifecycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders.append(r)
}

// AppendFill writes one fills.jsonl row.
func (s *Store) AppendFill(seq int64, f types.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills.append(struct {
		Seq int64 `json:"seq"`
		types.Fill
	}{Seq: seq, Fill: f})
}

// AppendLedger writes one ledger.jsonl row.
func (s *Store) AppendLedger(r types.LedgerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.append(r)
}

// AppendEquity writes one equity_curve.jsonl row.
func (s *Store) AppendEquity(p types.EquityPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equity.append(p)
}

// AppendBestBidAsk writes one best_bid_ask.jsonl row.
func (s *Store) AppendBestBidAsk(r types.BestBidAskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bestBidAsk.append(r)
}

// streamHashes returns the hex-encoded sha256 of each stream's bytes so
// far, keyed by filename, for run_manifest's stable per-stream hash.
func (s *Store) streamHashes() map[string]string {
	return map[string]string{
		decisionsFile:  hex.EncodeToString(s.decisions.hash.Sum(nil)),
		ordersFile:     hex.EncodeToString(s.orders.hash.Sum(nil)),
		fillsFile:      hex.EncodeToString(s.fills.hash.Sum(nil)),
		ledgerFile:     hex.EncodeToString(s.ledger.hash.Sum(nil)),
		equityFile:     hex.EncodeToString(s.equity.hash.Sum(nil)),
		bestBidAskFile: hex.EncodeToString(s.bestBidAsk.hash.Sum(nil)),
	}
}

// writeJSONAtomic marshals v and writes it to path via a .tmp file and
// rename, so a crash never leaves a truncated document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Close finalizes the run directory: computes stream hashes into manifest,
// writes run_manifest.json and meta.json atomically, and closes all
// streams. manifest.StreamHashes is overwritten with the true hashes
// computed here regardless of what the caller populated.
func (s *Store) Close(manifest types.RunManifest, meta types.RunMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	manifest.StreamHashes = s.streamHashes()

	var firstErr error
	for _, st := range []*stream{s.decisions, s.orders, s.fills, s.ledger, s.equity, s.bestBidAsk} {
		if err := st.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := writeJSONAtomic(filepath.Join(s.dir, manifestFile), manifest); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, metaFile), meta); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
