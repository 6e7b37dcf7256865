package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"cowrite/collab/internal/doctree"
	"cowrite/collab/internal/protocol"
)

// Surface is the opaque rich-text editing surface. The adapter is the only
// component that touches it.
type Surface interface {
	// SetContent re-renders the surface from a snapshot.
	SetContent(tree *doctree.Node)
	// Content reads the surface's current tree for a manual save.
	Content() *doctree.Node
}

// SaveRequest is the partial-update payload for the persistence
// collaborator. Nil fields are left untouched by the save service.
type SaveRequest struct {
	DocumentID string
	Title      *string
	Content    *doctree.Node
	Icon       *string
}

// Saver is the external persistence collaborator. Durability and conflict
// resolution between sessions are its problem; the adapter fires and forgets.
type Saver interface {
	Save(ctx context.Context, req SaveRequest) error
}

// DefaultSaveDelay is the autosave debounce window.
const DefaultSaveDelay = 1500 * time.Millisecond

// EditorConfig assembles an editor adapter. Saver and Surface are injected
// at construction; swapping the save handler means constructing a new
// adapter, so callbacks can never go stale.
type EditorConfig struct {
	Document    *Document
	Broadcaster *Broadcaster
	Awareness   *Awareness
	Surface     Surface
	Saver       Saver
	SaveDelay   time.Duration // 0 = DefaultSaveDelay
	// InitialContent is the externally persisted tree to seed a fresh
	// session with, applied on first sync only if no participant has
	// written anything yet.
	InitialContent *doctree.Node
}

// Editor bridges the editing surface to the replicated document: local edits
// flow in, remote state renders out, and snapshots flow to the persistence
// collaborator on a debounced timer.
type Editor struct {
	doc       *Document
	bcast     *Broadcaster
	awareness *Awareness
	surface   Surface
	saver     Saver
	delay     time.Duration
	initial   *doctree.Node

	mu         sync.Mutex
	saveTimer  *time.Timer
	title      string
	titleDirty bool
	seeded     bool
	closed     bool
}

// NewEditor builds the adapter and subscribes it to the document's remote
// change notifications and the broadcaster's sync hook.
func NewEditor(cfg EditorConfig) *Editor {
	e := &Editor{
		doc:       cfg.Document,
		bcast:     cfg.Broadcaster,
		awareness: cfg.Awareness,
		surface:   cfg.Surface,
		saver:     cfg.Saver,
		delay:     cfg.SaveDelay,
		initial:   cfg.InitialContent,
	}
	if e.delay == 0 {
		e.delay = DefaultSaveDelay
	}
	e.doc.OnRemoteChange(e.renderRemote)
	if e.bcast != nil {
		e.bcast.OnSynced(e.seedOnce)
	}
	return e
}

// HandleLocalChange forwards one local content change from the surface into
// the replicated document and restarts the autosave window.
func (e *Editor) HandleLocalChange(m Mutation) {
	e.bcast.LocalMutation(m)
	e.scheduleSave()
}

// HandleCursorChange forwards a local cursor move to the awareness channel.
func (e *Editor) HandleCursorChange(pos int) {
	if e.awareness != nil {
		e.awareness.SetLocalCursor(pos)
	}
}

// HandleSelectionChange forwards a local selection change to the awareness
// channel.
func (e *Editor) HandleSelectionChange(r protocol.Range) {
	if e.awareness != nil {
		e.awareness.SetLocalSelection(r)
	}
}

// SetTitle records a title edit. The title is a plain field, not CRDT
// content; it rides the same debounced save path.
func (e *Editor) SetTitle(title string) {
	e.mu.Lock()
	e.title = title
	e.titleDirty = true
	e.mu.Unlock()
	e.scheduleSave()
}

// FlushTitle saves immediately, used on title field blur.
func (e *Editor) FlushTitle(ctx context.Context) error {
	return e.Save(ctx)
}

// Save bypasses the debounce and flushes the current snapshot to the
// persistence collaborator now. Used by the manual save action.
func (e *Editor) Save(ctx context.Context) error {
	e.mu.Lock()
	e.stopTimerLocked()
	e.mu.Unlock()
	return e.flushWith(ctx, e.surfaceContent())
}

// surfaceContent reads the surface tree for a manual save; the autosave path
// uses the replica snapshot instead.
func (e *Editor) surfaceContent() *doctree.Node {
	if e.surface == nil {
		return nil
	}
	return e.surface.Content()
}

// Close cancels pending autosaves and detaches the adapter. It does not
// disconnect the session; that belongs to the connection manager.
func (e *Editor) Close() {
	e.mu.Lock()
	e.closed = true
	e.stopTimerLocked()
	e.mu.Unlock()
}

// renderRemote re-renders the surface after a remote delta changed content.
// Locally originated edits never reach here: local mutations notify through
// the surface itself, and echoed copies of them are no-op merges.
func (e *Editor) renderRemote() {
	if e.surface != nil {
		e.surface.SetContent(e.doc.Snapshot())
	}
}

// seedOnce proposes externally persisted content for a brand-new session,
// exactly once, and only if the replicated state is still empty after the
// first sync merged. The proposal rides a seed-flagged update that the relay
// merges only while the document is empty, so two sessions racing through an
// empty first sync cannot both seed: one proposal wins, and the content —
// whichever proposal it came from — arrives here as a normal remote update.
func (e *Editor) seedOnce() {
	e.mu.Lock()
	if e.seeded {
		e.mu.Unlock()
		return
	}
	e.seeded = true
	initial := e.initial
	e.mu.Unlock()

	if initial == nil || !e.doc.Unmodified() {
		return
	}
	text := doctree.PlainText(initial)
	if text == "" {
		return
	}
	e.bcast.Seed(text)
}

// scheduleSave restarts the debounce timer. Rapid sequential edits inside
// the window collapse into a single save reflecting the final content.
func (e *Editor) scheduleSave() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.stopTimerLocked()
	e.saveTimer = time.AfterFunc(e.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.flush(ctx); err != nil {
			// Editing continues on failure; the live replica remains the
			// source of truth until a save lands.
			log.Printf("collab: autosave for %s failed: %v", e.doc.ID(), err)
		}
	})
}

func (e *Editor) stopTimerLocked() {
	if e.saveTimer != nil {
		e.saveTimer.Stop()
		e.saveTimer = nil
	}
}

// flush pushes the current snapshot (and title, if edited) to the saver.
func (e *Editor) flush(ctx context.Context) error {
	return e.flushWith(ctx, nil)
}

func (e *Editor) flushWith(ctx context.Context, content *doctree.Node) error {
	if e.saver == nil {
		return nil
	}

	e.mu.Lock()
	var title *string
	if e.titleDirty {
		t := e.title
		title = &t
		e.titleDirty = false
	}
	e.mu.Unlock()

	if content == nil {
		content = e.doc.Snapshot()
	}
	req := SaveRequest{DocumentID: e.doc.ID(), Title: title, Content: content}
	if err := e.saver.Save(ctx, req); err != nil {
		e.mu.Lock()
		if title != nil {
			e.titleDirty = true
		}
		e.mu.Unlock()
		return err
	}
	return nil
}
