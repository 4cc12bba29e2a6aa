// Package types contains the core domain types shared across all diagq
// internal packages. It deliberately has zero imports of other diagq packages
// so that the queue, the engine and every sink can import it without creating
// import cycles.
package types

import "time"

// UnitID identifies an analyzable compilation unit. It is the work key of the
// re-analysis queue: one pending entry per UnitID at any time.
type UnitID string

func (u UnitID) String() string { return string(u) }

// FileID identifies a single source file inside the workspace.
type FileID string

func (f FileID) String() string { return string(f) }

// Severity is the importance of a single finding.
type Severity uint8

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
	SeverityHint
)

// String returns a human-readable representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON payloads.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a severity name. Unknown names map to SeverityInfo.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "error":
		*s = SeverityError
	case "warning":
		*s = SeverityWarning
	case "hint":
		*s = SeverityHint
	default:
		*s = SeverityInfo
	}
	return nil
}

// Position is a 1-based line/column location in a file.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Span is a half-open source range. End equals Start for point findings.
type Span struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Diagnostic is one finding produced by the analysis engine. It is immutable
// once created.
type Diagnostic struct {
	Span     Span     `json:"span"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message"`
}

// FileResult carries every diagnostic for one analyzed file. An empty
// Diagnostics slice means the file is clean, which listeners rely on to clear
// previously reported findings.
type FileResult struct {
	File        FileID       `json:"file"`
	Unit        UnitID       `json:"unit"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// UnitFailure records a unit whose analysis failed during a drain cycle. Its
// previously delivered diagnostics should be treated as stale.
type UnitFailure struct {
	Unit  UnitID `json:"unit"`
	Error string `json:"error"`
}

// Batch is the set of per-file results produced by one drain cycle.
//
// Design rules:
//   - A Batch is immutable once handed to the forwarder.
//   - Files order is unspecified; consumers look results up by file.
//   - ID is a ULID, so batch IDs sort in emission order.
type Batch struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Cycle     uint64        `json:"cycle"`
	CreatedAt time.Time     `json:"created_at"`
	Files     []FileResult  `json:"files"`
	Failures  []UnitFailure `json:"failures,omitempty"`
}

// Lookup returns the result for file, if the batch contains one.
func (b *Batch) Lookup(file FileID) (FileResult, bool) {
	for _, fr := range b.Files {
		if fr.File == file {
			return fr, true
		}
	}
	return FileResult{}, false
}

// DiagnosticCount returns the total number of findings across all files.
func (b *Batch) DiagnosticCount() int {
	n := 0
	for _, fr := range b.Files {
		n += len(fr.Diagnostics)
	}
	return n
}

// IsEmpty reports whether the batch carries neither results nor failures.
func (b *Batch) IsEmpty() bool {
	return len(b.Files) == 0 && len(b.Failures) == 0
}
