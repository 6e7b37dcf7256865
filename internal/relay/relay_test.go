package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cowrite/collab/internal/auth"
	"cowrite/collab/internal/collab"
	"cowrite/collab/internal/doctree"
	"cowrite/collab/internal/protocol"
	"cowrite/collab/internal/rbac"
)

var relayTestSecret = []byte("relay-test-secret")

// memLog is an in-memory UpdateLog for relay tests.
type memLog struct {
	mu      sync.Mutex
	updates map[string][][]byte
}

func newMemLog() *memLog {
	return &memLog{updates: make(map[string][][]byte)}
}

func (l *memLog) AppendUpdate(_ context.Context, documentID string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates[documentID] = append(l.updates[documentID], append([]byte(nil), payload...))
	return nil
}

func (l *memLog) LoadUpdates(_ context.Context, documentID string) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates[documentID], nil
}

func startRelay(t *testing.T, updates UpdateLog) (string, *Hub) {
	t.Helper()
	hub := NewHub(relayTestSecret, updates, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub
}

func testToken(t *testing.T, userID, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken(relayTestSecret, auth.Claims{
		Sub:  userID,
		Name: name,
		Role: role,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return token
}

func joinSession(t *testing.T, wsURL, docID, userID, name, role string) *collab.Session {
	t.Helper()
	session := collab.NewSession(collab.SessionConfig{
		RelayURL:   wsURL,
		DocumentID: docID,
		UserID:     userID,
		UserName:   name,
		Token:      testToken(t, userID, name, role),
	})
	session.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		session.Close(ctx)
	})
	waitRelay(t, "connect "+userID, func() bool {
		return session.Conn.Status() == collab.StatusConnected
	})
	return session
}

func waitRelay(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTwoClientsConverge(t *testing.T) {
	wsURL, _ := startRelay(t, newMemLog())

	a := joinSession(t, wsURL, "doc-1", "user-a", "Avery", "editor")
	a.Editor.HandleLocalChange(collab.Mutation{Kind: collab.MutationInsert, Pos: 0, Text: "Hello"})

	// A late joiner picks the edit up from the sync backlog.
	b := joinSession(t, wsURL, "doc-1", "user-b", "Blake", "editor")
	waitRelay(t, "backlog sync", func() bool { return b.Document.Text() == "Hello" })

	b.Editor.HandleLocalChange(collab.Mutation{Kind: collab.MutationInsert, Pos: 5, Text: ", world"})
	waitRelay(t, "live update", func() bool { return a.Document.Text() == "Hello, world" })
}

func TestConcurrentEditsConvergeIdentically(t *testing.T) {
	wsURL, _ := startRelay(t, newMemLog())

	a := joinSession(t, wsURL, "doc-1", "user-a", "Avery", "editor")
	b := joinSession(t, wsURL, "doc-1", "user-b", "Blake", "editor")

	a.Editor.HandleLocalChange(collab.Mutation{Kind: collab.MutationInsert, Pos: 0, Text: "aaa"})
	b.Editor.HandleLocalChange(collab.Mutation{Kind: collab.MutationInsert, Pos: 0, Text: "bbb"})

	waitRelay(t, "convergence", func() bool {
		ta, tb := a.Document.Text(), b.Document.Text()
		return len(ta) == 6 && ta == tb
	})
	if !strings.Contains(a.Document.Text(), "aaa") || !strings.Contains(a.Document.Text(), "bbb") {
		t.Fatalf("merged text %q lost an edit", a.Document.Text())
	}
}

func TestViewerCannotPublishUpdates(t *testing.T) {
	wsURL, _ := startRelay(t, newMemLog())

	editor := joinSession(t, wsURL, "doc-1", "user-a", "Avery", "editor")
	editor.Editor.HandleLocalChange(collab.Mutation{Kind: collab.MutationInsert, Pos: 0, Text: "base"})

	viewer := joinSession(t, wsURL, "doc-1", "user-v", "Vic", "viewer")
	waitRelay(t, "viewer sync", func() bool { return viewer.Document.Text() == "base" })

	viewer.Editor.HandleLocalChange(collab.Mutation{Kind: collab.MutationInsert, Pos: 0, Text: "nope"})

	// The edit lands only in the viewer's local replica; the relay rejects it.
	time.Sleep(200 * time.Millisecond)
	if editor.Document.Text() != "base" {
		t.Fatalf("viewer edit leaked: %q", editor.Document.Text())
	}
}

func TestRoomRecoversFromUpdateLog(t *testing.T) {
	log := newMemLog()

	wsURL, _ := startRelay(t, log)
	a := joinSession(t, wsURL, "doc-1", "user-a", "Avery", "editor")
	a.Editor.HandleLocalChange(collab.Mutation{Kind: collab.MutationInsert, Pos: 0, Text: "durable"})
	waitRelay(t, "update persisted", func() bool {
		payloads, _ := log.LoadUpdates(context.Background(), "doc-1")
		return len(payloads) == 1
	})

	// A second relay process over the same log replays the room state.
	wsURL2, _ := startRelay(t, log)
	b := joinSession(t, wsURL2, "doc-1", "user-b", "Blake", "editor")
	waitRelay(t, "replayed state", func() bool { return b.Document.Text() == "durable" })
}

func TestOfflineEditsReconcileOnReconnect(t *testing.T) {
	wsURL, _ := startRelay(t, newMemLog())

	a := joinSession(t, wsURL, "doc-1", "user-a", "Avery", "editor")
	b := joinSession(t, wsURL, "doc-1", "user-b", "Blake", "editor")

	a.Editor.HandleLocalChange(collab.Mutation{Kind: collab.MutationInsert, Pos: 0, Text: "online"})
	waitRelay(t, "initial sync", func() bool { return b.Document.Text() == "online" })

	// A drops offline and keeps editing locally.
	a.Conn.Disconnect()
	a.Editor.HandleLocalChange(collab.Mutation{Kind: collab.MutationInsert, Pos: 6, Text: " and offline"})
	if b.Document.Text() != "online" {
		t.Fatalf("offline edit reached the relay early: %q", b.Document.Text())
	}

	// Reconnect: the sync vector exchange delivers what the relay missed.
	a.Conn.Connect()
	waitRelay(t, "offline reconciliation", func() bool {
		return b.Document.Text() == "online and offline"
	})
}

func TestAwarenessFanoutAndLeave(t *testing.T) {
	wsURL, _ := startRelay(t, newMemLog())

	a := joinSession(t, wsURL, "doc-1", "user-a", "Avery", "editor")
	b := joinSession(t, wsURL, "doc-1", "user-b", "Blake", "editor")

	// B learns about A from the join introduction; names come stamped by the
	// relay.
	waitRelay(t, "introduction", func() bool {
		roster := b.Awareness.Roster()
		return len(roster) == 1 && roster[0].DisplayName == "Avery"
	})

	a.Awareness.SetLocalCursor(3)
	waitRelay(t, "cursor fanout", func() bool {
		roster := b.Awareness.Roster()
		return len(roster) == 1 && roster[0].Cursor != nil && *roster[0].Cursor == 3
	})

	a.Conn.Disconnect()
	waitRelay(t, "leave fanout", func() bool { return len(b.Awareness.Roster()) == 0 })
}

func TestRoomRefusesSecondSeed(t *testing.T) {
	hub := NewHub(relayTestSecret, newMemLog(), nil)
	r := newRoom("doc-1", hub)
	winner := &client{userID: "user-a", role: rbac.RoleEditor, send: make(chan []byte, 16)}
	loser := &client{userID: "user-b", role: rbac.RoleEditor, send: make(chan []byte, 16)}
	r.clients[winner] = true
	r.clients[loser] = true

	r.handle(winner, protocol.SeedUpdate(collab.SeedDelta("first")))
	r.handle(loser, protocol.SeedUpdate(collab.SeedDelta("second")))

	if got := r.doc.String(); got != "first" {
		t.Fatalf("room text = %q, want only the first proposal", got)
	}
	var rejected bool
	for len(loser.send) > 0 {
		msg, err := protocol.Decode(<-loser.send)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if msg.Type == protocol.TypeError && msg.Code == "SEED_REJECTED" {
			rejected = true
		}
	}
	if !rejected {
		t.Fatal("losing proposal was not refused")
	}
}

func TestSimultaneousFirstJoinsSeedOnce(t *testing.T) {
	wsURL, _ := startRelay(t, newMemLog())

	// Both sessions believe the document is brand new and carry their own
	// initial content; they start without waiting on each other.
	a := seededSession(t, wsURL, "doc-1", "user-a", "Avery", "alpha")
	b := seededSession(t, wsURL, "doc-1", "user-b", "Blake", "beta")
	a.Start()
	b.Start()

	waitRelay(t, "seed convergence", func() bool {
		ta, tb := a.Document.Text(), b.Document.Text()
		return ta != "" && ta == tb
	})
	if got := a.Document.Text(); got != "alpha" && got != "beta" {
		t.Fatalf("content = %q, want exactly one proposal", got)
	}

	// Nothing else trickles in late.
	time.Sleep(200 * time.Millisecond)
	if ta, tb := a.Document.Text(), b.Document.Text(); ta != tb || (ta != "alpha" && ta != "beta") {
		t.Fatalf("content diverged or doubled: %q / %q", ta, tb)
	}
}

func seededSession(t *testing.T, wsURL, docID, userID, name, text string) *collab.Session {
	t.Helper()
	session := collab.NewSession(collab.SessionConfig{
		RelayURL:       wsURL,
		DocumentID:     docID,
		UserID:         userID,
		UserName:       name,
		Token:          testToken(t, userID, name, "editor"),
		InitialContent: doctree.FromText(text),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		session.Close(ctx)
	})
	return session
}

func TestReapedSlowClientAnnouncedAsLeft(t *testing.T) {
	hub := NewHub(relayTestSecret, nil, nil)
	r := newRoom("doc-1", hub)
	stalled := &client{userID: "user-slow", send: make(chan []byte)}
	healthy := &client{userID: "user-b", send: make(chan []byte, 16)}
	r.clients[stalled] = true
	r.clients[healthy] = true

	// The stalled client's channel cannot take the frame, so broadcast reaps
	// it; the survivor must hear about the departure.
	r.broadcast(protocol.Update([]byte{0x00}), nil)

	if _, ok := r.clients[stalled]; ok {
		t.Fatal("stalled client still in the room")
	}
	var frames []protocol.Message
	for len(healthy.send) > 0 {
		msg, err := protocol.Decode(<-healthy.send)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		frames = append(frames, msg)
	}
	if len(frames) != 2 || frames[0].Type != protocol.TypeUpdate {
		t.Fatalf("frames = %+v, want the update then a leave", frames)
	}
	if frames[1].Type != protocol.TypeLeave || frames[1].UserID != "user-slow" {
		t.Fatalf("second frame = %+v, want leave for the reaped client", frames[1])
	}
	select {
	case _, ok := <-stalled.send:
		if ok {
			t.Fatal("reaped client still receiving frames")
		}
	default:
		t.Fatal("reaped client send channel left open")
	}
}

func TestAwarenessNeverPersisted(t *testing.T) {
	log := newMemLog()
	wsURL, _ := startRelay(t, log)

	a := joinSession(t, wsURL, "doc-1", "user-a", "Avery", "editor")
	a.Awareness.SetLocalCursor(1)
	a.Awareness.SetLocalSelection(protocol.Range{Anchor: 0, Head: 1})

	time.Sleep(100 * time.Millisecond)
	payloads, _ := log.LoadUpdates(context.Background(), "doc-1")
	if len(payloads) != 0 {
		t.Fatalf("awareness reached the update log: %d entries", len(payloads))
	}
}
