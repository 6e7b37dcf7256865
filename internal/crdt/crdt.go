// Package crdt implements the replicated sequence underlying collaborative
// documents. It is an RGA-style CRDT: every inserted rune carries a unique
// (site, clock) identifier and names the identifier it was inserted after,
// deletes leave tombstones, and concurrent siblings are ordered by descending
// identifier so every replica converges to the same sequence regardless of
// delivery order.
package crdt

import (
	"sort"
)

// ID uniquely identifies one operation. Clock is a Lamport timestamp; a site
// never reuses a clock value, so (Site, Clock) is globally unique.
type ID struct {
	Site  uint64
	Clock uint64
}

// Head is the zero ID, used as the origin of inserts at the start of the
// document. No real operation ever carries it.
var Head = ID{}

// less orders concurrent siblings. Higher (Clock, Site) sorts earlier in the
// document, which keeps a site's own consecutive typing contiguous.
func less(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Site < b.Site
}

// OpKind discriminates operation types.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is a single replicated mutation. Insert ops carry Origin and Ch; delete
// ops carry Target. Every op has its own ID.
type Op struct {
	Kind   OpKind
	ID     ID
	Origin ID   // insert: ID inserted after (Head for document start)
	Target ID   // delete: ID of the rune being removed
	Ch     rune // insert: the rune
}

type item struct {
	id      ID
	ch      rune
	deleted bool
}

// Doc is one replica of the sequence. It is not safe for concurrent use; the
// owner serializes access (the collab engine runs it on a single goroutine).
type Doc struct {
	site    uint64
	clock   uint64
	items   []item
	applied map[ID]struct{}
	logs    map[uint64][]Op // per-site ops in application order, for diffs
	pending []Op            // ops whose origin or target has not arrived yet
}

// New creates an empty replica owned by the given site.
func New(site uint64) *Doc {
	return &Doc{
		site:    site,
		applied: make(map[ID]struct{}),
		logs:    make(map[uint64][]Op),
	}
}

// Site returns the replica's site identifier.
func (d *Doc) Site() uint64 { return d.site }

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Site: d.site, Clock: d.clock}
}

// witness advances the Lamport clock past a remote op's clock.
func (d *Doc) witness(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

// find returns the items index holding id, or -1.
func (d *Doc) find(id ID) int {
	for i := range d.items {
		if d.items[i].id == id {
			return i
		}
	}
	return -1
}

// visible returns the items index of the n-th non-deleted rune, or -1.
func (d *Doc) visible(n int) int {
	seen := 0
	for i := range d.items {
		if d.items[i].deleted {
			continue
		}
		if seen == n {
			return i
		}
		seen++
	}
	return -1
}

// InsertAt inserts text before visible position pos (0 = document start,
// Len() = append) and returns the ops representing the edit, already applied
// locally.
func (d *Doc) InsertAt(pos int, text string) []Op {
	origin := Head
	if pos > 0 {
		if i := d.visible(pos - 1); i >= 0 {
			origin = d.items[i].id
		} else if n := len(d.items); n > 0 {
			origin = d.items[n-1].id
		}
	}
	ops := make([]Op, 0, len(text))
	for _, ch := range text {
		op := Op{Kind: OpInsert, ID: d.nextID(), Origin: origin, Ch: ch}
		d.apply(op)
		ops = append(ops, op)
		origin = op.ID
	}
	return ops
}

// DeleteAt removes count visible runes starting at pos and returns the delete
// ops, already applied locally.
func (d *Doc) DeleteAt(pos, count int) []Op {
	var targets []ID
	seen := 0
	for i := range d.items {
		if d.items[i].deleted {
			continue
		}
		if seen >= pos && len(targets) < count {
			targets = append(targets, d.items[i].id)
		}
		seen++
	}
	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{Kind: OpDelete, ID: d.nextID(), Target: target}
		d.apply(op)
		ops = append(ops, op)
	}
	return ops
}

// Apply merges remote ops into the replica. Duplicates are no-ops; ops whose
// dependencies have not arrived are buffered and retried as later ops land.
// Reports whether any op was newly applied, so callers can skip re-rendering
// on echoed payloads.
func (d *Doc) Apply(ops []Op) bool {
	before := len(d.applied)
	for _, op := range ops {
		d.apply(op)
	}
	return len(d.applied) != before
}

// OpCount returns the number of ops ever applied, including tombstoned
// deletes. Zero means the replica was never written to.
func (d *Doc) OpCount() int { return len(d.applied) }

func (d *Doc) apply(op Op) {
	if _, dup := d.applied[op.ID]; dup {
		return
	}
	if !d.integrate(op) {
		d.pending = append(d.pending, op)
		return
	}
	d.witness(op.ID)
	d.applied[op.ID] = struct{}{}
	d.logs[op.ID.Site] = append(d.logs[op.ID.Site], op)
	d.drainPending()
}

// drainPending retries buffered ops until no more become applicable.
func (d *Doc) drainPending() {
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			if _, dup := d.applied[op.ID]; dup {
				progressed = true
				continue
			}
			if d.integrate(op) {
				d.witness(op.ID)
				d.applied[op.ID] = struct{}{}
				d.logs[op.ID.Site] = append(d.logs[op.ID.Site], op)
				progressed = true
			} else {
				remaining = append(remaining, op)
			}
		}
		d.pending = remaining
		if !progressed || len(d.pending) == 0 {
			return
		}
	}
}

// integrate places an op into the sequence. Returns false when a dependency
// (insert origin, delete target) is missing.
func (d *Doc) integrate(op Op) bool {
	switch op.Kind {
	case OpInsert:
		at := 0
		if op.Origin != Head {
			i := d.find(op.Origin)
			if i < 0 {
				return false
			}
			at = i + 1
		}
		// Skip concurrent siblings (and their subtrees) with greater IDs so
		// all replicas agree on sibling order.
		for at < len(d.items) && less(op.ID, d.items[at].id) {
			at++
		}
		d.items = append(d.items, item{})
		copy(d.items[at+1:], d.items[at:])
		d.items[at] = item{id: op.ID, ch: op.Ch}
		return true
	case OpDelete:
		i := d.find(op.Target)
		if i < 0 {
			return false
		}
		d.items[i].deleted = true
		return true
	default:
		// Unknown kinds are dropped; a newer peer may speak a newer scheme.
		return true
	}
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	n := 0
	for i := range d.items {
		if !d.items[i].deleted {
			n++
		}
	}
	return n
}

// String materializes the visible sequence.
func (d *Doc) String() string {
	runes := make([]rune, 0, len(d.items))
	for i := range d.items {
		if !d.items[i].deleted {
			runes = append(runes, d.items[i].ch)
		}
	}
	return string(runes)
}

// StateVector summarizes which ops a replica has applied: the highest clock
// seen per site. Ops from a site are applied in clock order, so a single
// high-water mark per site is sufficient.
type StateVector map[uint64]uint64

// Vector returns the replica's current state vector.
func (d *Doc) Vector() StateVector {
	sv := make(StateVector, len(d.logs))
	for site, log := range d.logs {
		var max uint64
		for _, op := range log {
			if op.ID.Clock > max {
				max = op.ID.Clock
			}
		}
		sv[site] = max
	}
	return sv
}

// OpsSince returns every applied op the remote vector has not seen, grouped
// per site in application order. Sites are emitted in ascending order so the
// output is deterministic.
func (d *Doc) OpsSince(remote StateVector) []Op {
	sites := make([]uint64, 0, len(d.logs))
	for site := range d.logs {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })

	var ops []Op
	for _, site := range sites {
		seen := remote[site]
		for _, op := range d.logs[site] {
			if op.ID.Clock > seen {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

// AllOps returns every applied op, suitable as a full-state catch-up payload.
func (d *Doc) AllOps() []Op {
	return d.OpsSince(nil)
}
