package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cowrite/collab/internal/doctree"
	"cowrite/collab/internal/protocol"
)

type fakeSaver struct {
	mu   sync.Mutex
	reqs []SaveRequest
	err  error
}

func (f *fakeSaver) Save(_ context.Context, req SaveRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeSaver) saves() []SaveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SaveRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type fakeSurface struct {
	mu   sync.Mutex
	tree *doctree.Node
	sets int
}

func (f *fakeSurface) SetContent(tree *doctree.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tree = tree
	f.sets++
}

func (f *fakeSurface) Content() *doctree.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tree
}

func (f *fakeSurface) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

type editorParts struct {
	doc     *Document
	conn    *Conn
	bcast   *Broadcaster
	editor  *Editor
	saver   *fakeSaver
	surface *fakeSurface
}

func newTestEditor(t *testing.T, initial *doctree.Node) editorParts {
	t.Helper()
	doc := NewDocument("doc-1")
	conn := NewConn(ConnConfig{URL: "ws://unused", DocumentID: "doc-1", UserID: "user-1"})
	bcast := NewBroadcaster(doc, conn, nil)
	saver := &fakeSaver{}
	surface := &fakeSurface{}
	editor := NewEditor(EditorConfig{
		Document:       doc,
		Broadcaster:    bcast,
		Surface:        surface,
		Saver:          saver,
		SaveDelay:      30 * time.Millisecond,
		InitialContent: initial,
	})
	t.Cleanup(editor.Close)
	return editorParts{doc: doc, conn: conn, bcast: bcast, editor: editor, saver: saver, surface: surface}
}

// newConnectedEditor is newTestEditor plus a live fake wire, for behavior
// that only happens on an established connection (seeding rides the network).
func newConnectedEditor(t *testing.T, initial *doctree.Node) (editorParts, *fakeWire) {
	t.Helper()
	d := &fakeDialer{}
	doc := NewDocument("doc-1")
	conn := NewConn(ConnConfig{URL: "ws://test/ws", DocumentID: "doc-1", UserID: "user-1", Dial: d.dial})
	bcast := NewBroadcaster(doc, conn, nil)
	saver := &fakeSaver{}
	surface := &fakeSurface{}
	editor := NewEditor(EditorConfig{
		Document:       doc,
		Broadcaster:    bcast,
		Surface:        surface,
		Saver:          saver,
		SaveDelay:      30 * time.Millisecond,
		InitialContent: initial,
	})
	t.Cleanup(editor.Close)
	t.Cleanup(conn.Disconnect)
	conn.Connect()
	waitFor(t, "connect", func() bool { return conn.Status() == StatusConnected })
	return editorParts{doc: doc, conn: conn, bcast: bcast, editor: editor, saver: saver, surface: surface}, d.wire(0)
}

func seedWrites(w *fakeWire) []protocol.Message {
	var seeds []protocol.Message
	for _, m := range w.written() {
		if m.Type == protocol.TypeUpdate && m.Seed {
			seeds = append(seeds, m)
		}
	}
	return seeds
}

func TestDebouncedSaveCollapsesEdits(t *testing.T) {
	p := newTestEditor(t, nil)

	p.editor.HandleLocalChange(Mutation{Kind: MutationInsert, Pos: 0, Text: "a"})
	p.editor.HandleLocalChange(Mutation{Kind: MutationInsert, Pos: 1, Text: "b"})
	p.editor.HandleLocalChange(Mutation{Kind: MutationInsert, Pos: 2, Text: "c"})

	waitFor(t, "debounced save", func() bool { return len(p.saver.saves()) > 0 })
	time.Sleep(60 * time.Millisecond)

	saves := p.saver.saves()
	if len(saves) != 1 {
		t.Fatalf("saves = %d, want exactly 1 for edits inside one window", len(saves))
	}
	if got := doctree.PlainText(saves[0].Content); got != "abc" {
		t.Fatalf("saved content = %q, want final text %q", got, "abc")
	}
	if saves[0].Title != nil {
		t.Fatalf("content-only save carried a title: %+v", saves[0])
	}
}

func TestEditInsideWindowRestartsTimer(t *testing.T) {
	p := newTestEditor(t, nil)

	p.editor.HandleLocalChange(Mutation{Kind: MutationInsert, Pos: 0, Text: "a"})
	time.Sleep(15 * time.Millisecond)
	p.editor.HandleLocalChange(Mutation{Kind: MutationInsert, Pos: 1, Text: "b"})
	time.Sleep(20 * time.Millisecond)

	// 35ms after the first edit but only 20ms after the second: no save yet.
	if n := len(p.saver.saves()); n != 0 {
		t.Fatalf("save fired before the window elapsed (%d saves)", n)
	}
	waitFor(t, "save", func() bool { return len(p.saver.saves()) == 1 })
}

func TestManualSaveFlushesImmediately(t *testing.T) {
	p := newTestEditor(t, nil)

	p.editor.HandleLocalChange(Mutation{Kind: MutationInsert, Pos: 0, Text: "draft"})
	p.surface.SetContent(doctree.FromText("surface copy"))

	if err := p.editor.Save(context.Background()); err != nil {
		t.Fatalf("manual save failed: %v", err)
	}
	saves := p.saver.saves()
	if len(saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(saves))
	}
	// Manual save captures what the surface shows, not the replica.
	if got := doctree.PlainText(saves[0].Content); got != "surface copy" {
		t.Fatalf("manual save content = %q", got)
	}

	// The pending autosave was cancelled by the manual flush.
	time.Sleep(60 * time.Millisecond)
	if len(p.saver.saves()) != 1 {
		t.Fatal("debounced save fired after manual save")
	}
}

func TestTitleRidesDebouncedSave(t *testing.T) {
	p := newTestEditor(t, nil)

	p.editor.SetTitle("Meeting notes")
	waitFor(t, "title save", func() bool { return len(p.saver.saves()) == 1 })

	saves := p.saver.saves()
	if saves[0].Title == nil || *saves[0].Title != "Meeting notes" {
		t.Fatalf("saved title = %+v", saves[0].Title)
	}

	// Once flushed, the next save does not resend the title.
	p.editor.HandleLocalChange(Mutation{Kind: MutationInsert, Pos: 0, Text: "x"})
	waitFor(t, "second save", func() bool { return len(p.saver.saves()) == 2 })
	if p.saver.saves()[1].Title != nil {
		t.Fatal("clean title resent on content save")
	}
}

func TestFailedSaveKeepsTitleDirty(t *testing.T) {
	p := newTestEditor(t, nil)
	p.saver.err = errors.New("persistence down")

	p.editor.SetTitle("Kept")
	if err := p.editor.Save(context.Background()); err == nil {
		t.Fatal("save succeeded, want error")
	}

	p.saver.mu.Lock()
	p.saver.err = nil
	p.saver.mu.Unlock()

	if err := p.editor.Save(context.Background()); err != nil {
		t.Fatalf("retry save failed: %v", err)
	}
	saves := p.saver.saves()
	if len(saves) != 1 || saves[0].Title == nil || *saves[0].Title != "Kept" {
		t.Fatalf("retry did not carry the dirty title: %+v", saves)
	}
}

func TestRemoteChangeRerendersSurface(t *testing.T) {
	p := newTestEditor(t, nil)
	peer := NewDocument("doc-1")

	p.doc.ApplyRemote(peer.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 0, Text: "from peer"}))

	waitFor(t, "re-render", func() bool { return p.surface.setCount() == 1 })
	if got := doctree.PlainText(p.surface.Content()); got != "from peer" {
		t.Fatalf("surface shows %q", got)
	}
}

func TestInitialContentSeededOnceAfterSync(t *testing.T) {
	p, w := newConnectedEditor(t, doctree.FromText("persisted body"))

	// First sync against an empty room: the adapter proposes its initial
	// content as a seed-flagged update.
	w.serve(t, protocol.Sync(nil, nil))
	waitFor(t, "seed proposal", func() bool { return len(seedWrites(w)) == 1 })

	// Nothing lands locally until the relay accepts and echoes the proposal.
	if got := p.doc.Text(); got != "" {
		t.Fatalf("replica modified before the echo: %q", got)
	}
	w.serve(t, protocol.Update(seedWrites(w)[0].Payload))
	waitFor(t, "seed echo applied", func() bool { return p.doc.Text() == "persisted body" })

	// A later sync turn must not propose again.
	p.bcast.handleSync(protocol.Sync(nil, nil))
	time.Sleep(20 * time.Millisecond)
	if n := len(seedWrites(w)); n != 1 {
		t.Fatalf("seed proposed %d times, want 1", n)
	}
}

func TestInitialContentSkippedWhenRoomHasState(t *testing.T) {
	peer := NewDocument("doc-1")
	payload := peer.ApplyLocal(Mutation{Kind: MutationInsert, Pos: 0, Text: "room content"})

	p, w := newConnectedEditor(t, doctree.FromText("persisted body"))
	w.serve(t, protocol.Sync(payload, nil))

	waitFor(t, "room state", func() bool { return p.doc.Text() == "room content" })
	time.Sleep(20 * time.Millisecond)
	if n := len(seedWrites(w)); n != 0 {
		t.Fatalf("seed proposed over live room state (%d proposals)", n)
	}
}

func TestCloseStopsPendingAutosave(t *testing.T) {
	p := newTestEditor(t, nil)

	p.editor.HandleLocalChange(Mutation{Kind: MutationInsert, Pos: 0, Text: "x"})
	p.editor.Close()

	time.Sleep(60 * time.Millisecond)
	if len(p.saver.saves()) != 0 {
		t.Fatal("autosave fired after Close")
	}
}
