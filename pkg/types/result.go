package types

import "fmt"

// Outcome classifies the result of a write-path operation. The write path
// never mixes conventions: an operation reports exactly one of success,
// skipped, or failed.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// RotationResult is the structured outcome of a single rotation (or
// initial setup) attempt for one domain.
type RotationResult struct {
	Domain  string  `json:"domain"`
	Outcome Outcome `json:"outcome"`
	NewKid  string  `json:"newKid,omitempty"`
	OldKid  string  `json:"oldKid,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Err     error   `json:"-"`
}

// Success builds a successful rotation result.
func Success(domain, oldKid, newKid string) RotationResult {
	return RotationResult{Domain: domain, Outcome: OutcomeSuccess, OldKid: oldKid, NewKid: newKid}
}

// Skipped builds a skipped result. Skips are not errors: lock contention
// and "policy already exists" both land here.
func Skipped(domain, reason string) RotationResult {
	return RotationResult{Domain: domain, Outcome: OutcomeSkipped, Reason: reason}
}

// Failed builds a failed result carrying the cause.
func Failed(domain string, err error) RotationResult {
	return RotationResult{Domain: domain, Outcome: OutcomeFailed, Reason: err.Error(), Err: err}
}

// Failedf builds a failed result from a format string.
func Failedf(domain, format string, args ...any) RotationResult {
	return Failed(domain, fmt.Errorf(format, args...))
}

// RotationSummary aggregates one scheduler sweep (possibly several retry
// attempts) over all due domains.
type RotationSummary struct {
	Attempts  int              `json:"attempts"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Results   []RotationResult `json:"results,omitempty"`
}

// Add folds a per-domain result into the summary counters.
func (s *RotationSummary) Add(r RotationResult) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeSuccess:
		s.Succeeded++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}
