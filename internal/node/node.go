// Package node manages the identity of this diagq server instance and hands
// out time-ordered ULIDs for batches and subscriptions.
//
// The node ID lives only for the lifetime of the process: diagq keeps no state
// across restarts, so a restarted server is a new node as far as listeners are
// concerned.
package node

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a ULID string that uniquely identifies a diagq process.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the identity of this server instance.
type Node struct {
	id      ID
	started time.Time
}

// New returns a Node with a freshly generated ID.
// If idOverride is neither "auto" nor empty it must be a valid ULID and is
// used verbatim (useful in tests / container envs).
func New(idOverride string) (*Node, error) {
	if idOverride != "" && idOverride != "auto" {
		if err := validateULID(idOverride); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", idOverride, err)
		}
		return &Node{id: ID(idOverride), started: time.Now()}, nil
	}

	id, err := generateULID()
	if err != nil {
		return nil, fmt.Errorf("node: generate id: %w", err)
	}
	return &Node{id: id, started: time.Now()}, nil
}

// ID returns the node's ULID string.
func (n *Node) ID() ID { return n.id }

// Uptime returns how long ago the node was created.
func (n *Node) Uptime() time.Duration { return time.Since(n.started) }

// monoEntropy is a package-level monotone entropy source shared across all
// generateULID calls, so IDs generated within the same millisecond still sort
// in creation order. Batch IDs rely on this to sort in emission order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

// validateULID returns an error if s is not a well-formed ULID string.
func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID. Exposed for use by other packages that need
// unique IDs (batches, subscriptions).
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
