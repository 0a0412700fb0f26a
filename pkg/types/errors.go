package types

import "errors"

// Sentinel error kinds from the error taxonomy. Call sites wrap these
// with fmt.Errorf("...: %w", ErrX) so errors.Is still matches the kind while
// the message carries seq/asset/reason context.
var (
	// ErrTapeCorrupt is fatal to the current run; it prevents a replay from
	// starting or aborts it immediately (non-dense seq, unknown
	// parser_version, price_change before the first book_snapshot, asset
	// outside the tape's declared set).
	ErrTapeCorrupt = errors.New("tape corrupt")

	// ErrFeedProtocolError downgrades run_quality and is counted; it does
	// not abort the run (malformed frame, reordered event).
	ErrFeedProtocolError = errors.New("feed protocol error")

	// ErrBookInconsistency is counted and may cause an event to be dropped
	// (non-tick-aligned level, negative size).
	ErrBookInconsistency = errors.New("book inconsistency")

	// ErrOrderValidation terminates only the offending order (rejected).
	ErrOrderValidation = errors.New("order validation failed")

	// ErrPortfolioInvariantViolation is fatal to the current run (cash
	// negative beyond tolerance, FIFO lot underflow).
	ErrPortfolioInvariantViolation = errors.New("portfolio invariant violation")

	// ErrFeedTimeout surfaces as exit_reason=ws_stall.
	ErrFeedTimeout = errors.New("feed timeout")

	// ErrDeadlineExceeded is a clean halt, not a failure.
	ErrDeadlineExceeded = errors.New("run deadline exceeded")

	// ErrRecorderIO is returned for each frame or event the Recorder fails
	// to write; no threshold is enforced and it never ends a run.
	ErrRecorderIO = errors.New("recorder io error")
)
