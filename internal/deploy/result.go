package deploy

import (
	"time"

	"github.com/schaermu/mpysync/internal/metrics"
)

// Outcome of a single file
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeSizeMismatch Outcome = "size-mismatch"
	OutcomeError        Outcome = "error"
)

// FileResult is what happened to one changed file
type FileResult struct {
	Path    string // relative to the base directory
	Outcome Outcome
	Bytes   int64
	Err     error
}

// Result summarizes a deploy run
type Result struct {
	Files     []FileResult
	Planned   []string // changed files, filled on dry runs
	Unchanged int
	Removed   []string // dropped from the snapshot, never deleted on the device
	DryRun    bool
	Duration  time.Duration
}

// Sent counts verified files.
func (r *Result) Sent() int {
	return r.count(OutcomeSent)
}

// Failed counts files that were not verified.
func (r *Result) Failed() int {
	if r == nil {
		return 0
	}
	return len(r.Files) - r.Sent()
}

func (r *Result) count(o Outcome) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, f := range r.Files {
		if f.Outcome == o {
			n++
		}
	}
	return n
}

func (r *Result) add(f FileResult, rec *metrics.Recorder) {
	r.Files = append(r.Files, f)
	if rec == nil {
		return
	}
	switch f.Outcome {
	case OutcomeSent:
		rec.RecordFile(metrics.ResultSent, f.Bytes)
	case OutcomeSizeMismatch:
		rec.RecordFile(metrics.ResultSizeMismatch, f.Bytes)
	default:
		rec.RecordFile(metrics.ResultError, f.Bytes)
	}
}
