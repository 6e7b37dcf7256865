// Package collab implements the client side of collaborative editing: the
// replicated document, the relay connection, update broadcasting, awareness,
// and the editor adapter. One Session owns one document for the lifetime of
// an editing view; cross-user consistency flows entirely through the relay.
package collab

import (
	"encoding/binary"
	"log"
	"sync"

	"github.com/google/uuid"

	"cowrite/collab/internal/crdt"
	"cowrite/collab/internal/doctree"
)

// MutationKind discriminates local edit descriptors.
type MutationKind uint8

const (
	MutationInsert MutationKind = iota + 1
	MutationDelete
)

// Mutation describes one local edit from the editing surface, addressed by
// visible rune position.
type Mutation struct {
	Kind  MutationKind
	Pos   int
	Text  string // insert
	Count int    // delete
}

// Document owns the replicated state for one document during an editing
// session. It is the only component that touches the CRDT; everything else
// sees serialized deltas and materialized snapshots.
type Document struct {
	id string

	mu       sync.Mutex
	doc      *crdt.Doc
	onRemote func()
}

// NewDocument creates an empty replica for the session. No network I/O.
func NewDocument(documentID string) *Document {
	return &Document{
		id:  documentID,
		doc: crdt.New(newSite()),
	}
}

// newSite derives a random site identifier for this session's replica.
func newSite() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}

// ID returns the document identifier the session was opened for.
func (d *Document) ID() string { return d.id }

// OnRemoteChange registers the re-render notification fired after a remote
// delta changes the materialized state. At most one subscriber (the editor
// adapter).
func (d *Document) OnRemoteChange(fn func()) {
	d.mu.Lock()
	d.onRemote = fn
	d.mu.Unlock()
}

// ApplyLocal applies a local mutation and returns the delta representing
// exactly that edit, ready for broadcast. Never blocks on I/O. Returns nil
// for empty mutations.
func (d *Document) ApplyLocal(m Mutation) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []crdt.Op
	switch m.Kind {
	case MutationInsert:
		if m.Text == "" {
			return nil
		}
		ops = d.doc.InsertAt(m.Pos, m.Text)
	case MutationDelete:
		if m.Count <= 0 {
			return nil
		}
		ops = d.doc.DeleteAt(m.Pos, m.Count)
	default:
		log.Printf("collab: ignoring unknown mutation kind %d on %s", m.Kind, d.id)
		return nil
	}
	if len(ops) == 0 {
		return nil
	}
	return crdt.EncodeOps(ops)
}

// ApplyRemote merges an incoming delta. Out-of-order, duplicated, and echoed
// deltas are all safe; malformed payloads are logged and dropped without
// touching state. Fires the re-render notification only when content
// actually changed.
func (d *Document) ApplyRemote(delta []byte) {
	ops, err := crdt.DecodeOps(delta)
	if err != nil {
		log.Printf("collab: dropping bad delta for %s: %v", d.id, err)
		return
	}

	d.mu.Lock()
	changed := d.doc.Apply(ops)
	notify := d.onRemote
	d.mu.Unlock()

	if changed && notify != nil {
		notify()
	}
}

// Snapshot materializes the current content as the document tree the
// rich-text surface consumes.
func (d *Document) Snapshot() *doctree.Node {
	d.mu.Lock()
	text := d.doc.String()
	d.mu.Unlock()
	return doctree.FromText(text)
}

// Text returns the current content as plain text.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.String()
}

// EncodeState serializes the full replica state as one delta. Applying it to
// any replica is a catch-up merge, never a reset.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return crdt.EncodeOps(d.doc.AllOps())
}

// Vector returns the replica's encoded state vector.
func (d *Document) Vector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return crdt.EncodeVector(d.doc.Vector())
}

// DiffSince returns a delta containing every local op the given encoded
// remote vector has not seen, or nil if the vector is unreadable or nothing
// is missing.
func (d *Document) DiffSince(vector []byte) []byte {
	remote, err := crdt.DecodeVector(vector)
	if err != nil {
		log.Printf("collab: unreadable state vector for %s: %v", d.id, err)
		return nil
	}
	d.mu.Lock()
	ops := d.doc.OpsSince(remote)
	d.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}
	return crdt.EncodeOps(ops)
}

// SeedDelta builds a delta inserting text at the start of an empty document.
// The ops are produced on a scratch replica, so nothing lands in the session
// replica unless the relay accepts the proposal and echoes it back.
func SeedDelta(text string) []byte {
	scratch := crdt.New(newSite())
	return crdt.EncodeOps(scratch.InsertAt(0, text))
}

// Unmodified reports whether the replica has never been written to. The
// editor adapter checks this before seeding persisted content on first sync.
func (d *Document) Unmodified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.OpCount() == 0
}
