package collab

import (
	"log"

	"cowrite/collab/internal/protocol"
)

// Broadcaster wires local deltas outward and remote deltas inward. Outbound
// sends happen synchronously in the local-edit turn; there is no batching
// delay on this layer. Lost sends are reconciled by the state-vector
// exchange on the next sync, so a delta produced while offline is never
// dropped, only deferred.
type Broadcaster struct {
	doc  *Document
	conn *Conn

	// onSynced runs after each sync payload has been merged and answered.
	// The editor adapter uses it to seed initial content exactly once.
	onSynced func()
}

// OnSynced registers the post-sync hook. Must be set before Connect.
func (b *Broadcaster) OnSynced(fn func()) { b.onSynced = fn }

// NewBroadcaster binds a document to its connection. It installs the sync,
// update and presence plumbing on the connection; awareness traffic is
// forwarded to the given channel if non-nil.
func NewBroadcaster(doc *Document, conn *Conn, awareness *Awareness) *Broadcaster {
	b := &Broadcaster{doc: doc, conn: conn}
	handlers := Handlers{
		OnSync:   b.handleSync,
		OnUpdate: doc.ApplyRemote,
	}
	if awareness != nil {
		handlers.OnPresence = awareness.ApplyPeer
	}
	conn.SetHandlers(handlers)
	return b
}

// LocalMutation applies a local edit to the document and pushes the
// resulting delta to the relay in the same turn. While disconnected the edit
// still lands locally; delivery happens via the reconnect sync.
func (b *Broadcaster) LocalMutation(m Mutation) {
	delta := b.doc.ApplyLocal(m)
	if delta == nil {
		return
	}
	if err := b.conn.Send(protocol.Update(delta)); err != nil && err != ErrNotConnected {
		log.Printf("collab: send delta for %s failed: %v", b.doc.ID(), err)
	}
}

// Seed proposes initial content for a brand-new document. The delta comes
// from a scratch replica and is not applied locally: the relay merges a seed
// only while the document is still empty and echoes it like any other update,
// so the content appears through the normal remote path exactly when the
// proposal wins. A refused proposal never shows up anywhere.
func (b *Broadcaster) Seed(text string) {
	if err := b.conn.Send(protocol.SeedUpdate(SeedDelta(text))); err != nil && err != ErrNotConnected {
		log.Printf("collab: send seed for %s failed: %v", b.doc.ID(), err)
	}
}

// handleSync merges the relay's catch-up payload, then answers with every
// local op the relay has not seen. Applying the payload is idempotent, so a
// re-sync after reconnect cannot duplicate content.
func (b *Broadcaster) handleSync(msg protocol.Message) {
	if len(msg.Payload) > 0 {
		b.doc.ApplyRemote(msg.Payload)
	}
	if len(msg.Vector) > 0 {
		if diff := b.doc.DiffSince(msg.Vector); diff != nil {
			if err := b.conn.Send(protocol.Update(diff)); err != nil {
				log.Printf("collab: send sync reply for %s failed: %v", b.doc.ID(), err)
			}
		}
	}
	if b.onSynced != nil {
		b.onSynced()
	}
}
