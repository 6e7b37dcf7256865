package collab

import (
	"context"
	"log"
	"time"

	"cowrite/collab/internal/doctree"
)

// SessionConfig wires up one collaborative editing session.
type SessionConfig struct {
	RelayURL   string
	DocumentID string
	UserID     string
	UserName   string
	UserEmail  string
	Token      string

	Surface        Surface
	Saver          Saver
	InitialContent *doctree.Node
	SaveDelay      time.Duration

	Dial     DialFunc // test hook; nil = websocket
	OnStatus func(Status)
	OnRoster func([]PeerState)
}

// Session owns the five collaborating parts for one open document view:
// replicated document, connection, broadcaster, awareness, editor adapter.
// It is created when the user opens a document for editing and closed when
// the view goes away; local state is discarded on close, persistence is the
// saver's job.
type Session struct {
	Document    *Document
	Conn        *Conn
	Broadcaster *Broadcaster
	Awareness   *Awareness
	Editor      *Editor
}

// NewSession assembles a session. Nothing connects until Start.
func NewSession(cfg SessionConfig) *Session {
	doc := NewDocument(cfg.DocumentID)
	conn := NewConn(ConnConfig{
		URL:        cfg.RelayURL,
		DocumentID: cfg.DocumentID,
		UserID:     cfg.UserID,
		UserName:   cfg.UserName,
		UserEmail:  cfg.UserEmail,
		Token:      cfg.Token,
		Dial:       cfg.Dial,
	})
	awareness := NewAwareness(cfg.UserID, cfg.UserName, conn.Send)
	awareness.OnChange(cfg.OnRoster)
	bcast := NewBroadcaster(doc, conn, awareness)
	editor := NewEditor(EditorConfig{
		Document:       doc,
		Broadcaster:    bcast,
		Awareness:      awareness,
		Surface:        cfg.Surface,
		Saver:          cfg.Saver,
		SaveDelay:      cfg.SaveDelay,
		InitialContent: cfg.InitialContent,
	})

	statusCB := cfg.OnStatus
	conn.handlers.OnStatus = func(s Status) {
		if s == StatusDisconnected || s == StatusError {
			// Peers re-announce after the reconnect sync; a stale roster is
			// worse than an empty one.
			awareness.Reset()
		}
		if statusCB != nil {
			statusCB(s)
		}
	}

	return &Session{
		Document:    doc,
		Conn:        conn,
		Broadcaster: bcast,
		Awareness:   awareness,
		Editor:      editor,
	}
}

// Start opens the connection. Fire-and-forget; progress surfaces through
// the status callback.
func (s *Session) Start() {
	s.Conn.Connect()
}

// Close flushes a final save, tears down the connection, and discards local
// state. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	if err := s.Editor.Save(ctx); err != nil {
		log.Printf("collab: final save for %s failed: %v", s.Document.ID(), err)
	}
	s.Editor.Close()
	s.Conn.Disconnect()
}
