package collab

import (
	"testing"
)

func TestDocumentsConvergeViaDeltas(t *testing.T) {
	a := NewDocument("doc-1")
	b := NewDocument("doc-1")

	d1 := a.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 0, Text: "hello"})
	b.ApplyRemote(d1)

	d2 := b.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 5, Text: " world"})
	a.ApplyRemote(d2)

	d3 := a.ApplyLocal(Mutation{Kind: MutationDelete, Pos: 0, Count: 1})
	b.ApplyRemote(d3)

	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged: %q vs %q", a.Text(), b.Text())
	}
	if a.Text() != "ello world" {
		t.Fatalf("text = %q, want %q", a.Text(), "ello world")
	}
}

func TestEchoedDeltaDoesNotNotify(t *testing.T) {
	a := NewDocument("doc-1")
	notified := 0
	a.OnRemoteChange(func() { notified++ })

	delta := a.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 0, Text: "hi"})
	before := a.Text()

	// The relay echoes every update back, including the sender's own.
	a.ApplyRemote(delta)
	a.ApplyRemote(delta)

	if notified != 0 {
		t.Fatalf("echoed delta fired %d re-renders, want 0", notified)
	}
	if a.Text() != before {
		t.Fatalf("echo changed content: %q -> %q", before, a.Text())
	}
}

func TestRemoteChangeNotifies(t *testing.T) {
	a := NewDocument("doc-1")
	b := NewDocument("doc-1")
	notified := 0
	b.OnRemoteChange(func() { notified++ })

	b.ApplyRemote(a.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 0, Text: "x"}))
	if notified != 1 {
		t.Fatalf("notified = %d, want 1", notified)
	}
}

func TestMalformedDeltaDropped(t *testing.T) {
	a := NewDocument("doc-1")
	a.ApplyRemote(a.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 0, Text: "keep"}))
	before := a.Text()

	a.ApplyRemote([]byte{0xff, 0x01, 0x02})
	a.ApplyRemote(nil)

	if a.Text() != before {
		t.Fatalf("malformed delta changed state: %q -> %q", before, a.Text())
	}
}

func TestEmptyMutationsProduceNoDelta(t *testing.T) {
	a := NewDocument("doc-1")
	if delta := a.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 0, Text: ""}); delta != nil {
		t.Fatal("empty insert produced a delta")
	}
	if delta := a.ApplyLocal(Mutation{Kind: MutationDelete, Pos: 0, Count: 0}); delta != nil {
		t.Fatal("zero-count delete produced a delta")
	}
	if !a.Unmodified() {
		t.Fatal("replica marked modified with no ops")
	}
}

func TestDiffSinceCatchesUpStalePeer(t *testing.T) {
	a := NewDocument("doc-1")
	b := NewDocument("doc-1")

	b.ApplyRemote(a.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 0, Text: "base"}))

	// A keeps editing while B is offline.
	a.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 4, Text: " more"})
	a.ApplyLocal(Mutation{Kind: MutationDelete, Pos: 0, Count: 1})

	diff := a.DiffSince(b.Vector())
	if diff == nil {
		t.Fatal("DiffSince returned nil for a stale peer")
	}
	b.ApplyRemote(diff)

	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged after catch-up: %q vs %q", a.Text(), b.Text())
	}

	if a.DiffSince(b.Vector()) != nil {
		t.Fatal("DiffSince returned ops for an up-to-date peer")
	}
}

func TestEncodeStateIsFullCatchUp(t *testing.T) {
	a := NewDocument("doc-1")
	a.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 0, Text: "alpha\nbeta"})

	fresh := NewDocument("doc-1")
	fresh.ApplyRemote(a.EncodeState())

	if fresh.Text() != a.Text() {
		t.Fatalf("full-state apply = %q, want %q", fresh.Text(), a.Text())
	}

	tree := fresh.Snapshot()
	if len(tree.Content) != 2 {
		t.Fatalf("snapshot has %d blocks, want 2 paragraphs", len(tree.Content))
	}
}
