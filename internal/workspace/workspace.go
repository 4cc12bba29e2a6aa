// Package workspace is the in-memory document directory of a diagq session.
//
// Every open document belongs to exactly one compilation unit. The workspace
// answers the two questions the re-analysis pipeline needs: which unit owns a
// file, and which units exist at all.
//
// Design rules:
//   - Unit names must be 1-128 characters: letters, digits, '.', '_' or '-',
//     starting with a letter or digit.
//   - File identifiers are slash-separated relative paths without "." or ".."
//     segments.
//   - Nothing is persisted; a restarted server starts with an empty workspace.
//   - All methods are safe for concurrent use.
package workspace

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/diagq/internal/types"
)

var unitRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// ErrNotFound is returned when a document that isn't open is requested.
var ErrNotFound = errors.New("workspace: document not found")

// ErrAlreadyOpen is returned when Open is called for a document that is
// already open in a different unit.
var ErrAlreadyOpen = errors.New("workspace: document already open")

// ErrInvalidName is returned when a unit or file name fails validation.
var ErrInvalidName = errors.New("workspace: invalid name")

// Document is a snapshot of one open source file.
type Document struct {
	File      types.FileID `json:"file"`
	Unit      types.UnitID `json:"unit"`
	Text      string       `json:"text"`
	Version   int64        `json:"version"`
	UpdatedAt int64        `json:"updated_at"` // UTC milliseconds
}

// Workspace is the in-memory store for all open documents.
type Workspace struct {
	mu    sync.RWMutex
	docs  map[types.FileID]*Document
	units map[types.UnitID]map[types.FileID]struct{}
}

// New creates an empty Workspace.
func New() *Workspace {
	return &Workspace{
		docs:  make(map[types.FileID]*Document),
		units: make(map[types.UnitID]map[types.FileID]struct{}),
	}
}

// ValidateUnit reports whether name is a valid unit name.
func ValidateUnit(name types.UnitID) bool { return unitRe.MatchString(string(name)) }

// ValidateFile reports whether file is a valid file identifier.
func ValidateFile(file types.FileID) bool {
	s := string(file)
	if s == "" || len(s) > 512 || strings.ContainsAny(s, "\\\x00") || strings.HasPrefix(s, "/") {
		return false
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return path.Clean(s) == s
}

// Open registers a document under unit. Re-opening a document in the same
// unit replaces its text. Returns ErrAlreadyOpen if the file belongs to a
// different unit and ErrInvalidName if either name fails validation.
func (w *Workspace) Open(file types.FileID, unit types.UnitID, text string) (Document, error) {
	if !ValidateFile(file) {
		return Document{}, fmt.Errorf("%w: file %q", ErrInvalidName, file)
	}
	if !ValidateUnit(unit) {
		return Document{}, fmt.Errorf("%w: unit %q", ErrInvalidName, unit)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if d, ok := w.docs[file]; ok {
		if d.Unit != unit {
			return Document{}, fmt.Errorf("%w: %s is open in unit %s", ErrAlreadyOpen, file, d.Unit)
		}
		d.Text = text
		d.Version++
		d.UpdatedAt = time.Now().UnixMilli()
		return *d, nil
	}

	d := &Document{
		File:      file,
		Unit:      unit,
		Text:      text,
		Version:   1,
		UpdatedAt: time.Now().UnixMilli(),
	}
	w.docs[file] = d
	files, ok := w.units[unit]
	if !ok {
		files = make(map[types.FileID]struct{})
		w.units[unit] = files
	}
	files[file] = struct{}{}
	return *d, nil
}

// Update replaces the text of an open document and bumps its version.
// Returns ErrNotFound if the document isn't open.
func (w *Workspace) Update(file types.FileID, text string) (Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, ok := w.docs[file]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, file)
	}
	d.Text = text
	d.Version++
	d.UpdatedAt = time.Now().UnixMilli()
	return *d, nil
}

// Close removes a document. The owning unit disappears with its last file.
// Returns the unit the document belonged to.
func (w *Workspace) Close(file types.FileID) (types.UnitID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, ok := w.docs[file]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, file)
	}
	delete(w.docs, file)
	if files := w.units[d.Unit]; files != nil {
		delete(files, file)
		if len(files) == 0 {
			delete(w.units, d.Unit)
		}
	}
	return d.Unit, nil
}

// Get returns a copy of the document, or ErrNotFound.
func (w *Workspace) Get(file types.FileID) (Document, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	d, ok := w.docs[file]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, file)
	}
	return *d, nil
}

// UnitOf resolves the unit that owns file.
func (w *Workspace) UnitOf(file types.FileID) (types.UnitID, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	d, ok := w.docs[file]
	if !ok {
		return "", false
	}
	return d.Unit, true
}

// Units returns every unit with at least one open document, sorted by name.
func (w *Workspace) Units() []types.UnitID {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]types.UnitID, 0, len(w.units))
	for u := range w.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Files returns copies of every document in unit, sorted by file.
func (w *Workspace) Files(unit types.UnitID) []Document {
	w.mu.RLock()
	defer w.mu.RUnlock()

	files := w.units[unit]
	out := make([]Document, 0, len(files))
	for f := range files {
		out = append(out, *w.docs[f])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// Len returns the number of open documents.
func (w *Workspace) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.docs)
}
