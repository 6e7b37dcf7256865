// Package relay implements the collaboration server side of the sync
// protocol: per-document rooms that authenticate joins, replay state to late
// joiners, fan out document deltas and awareness, and append accepted deltas
// to a durable update log.
package relay

import (
	"context"
	"log"
	"sync"

	"cowrite/collab/internal/auth"
	"cowrite/collab/internal/crdt"
	"cowrite/collab/internal/protocol"
	"cowrite/collab/internal/rbac"
)

// UpdateLog persists accepted deltas so a room survives a relay restart.
type UpdateLog interface {
	AppendUpdate(ctx context.Context, documentID string, payload []byte) error
	LoadUpdates(ctx context.Context, documentID string) ([][]byte, error)
}

// PresenceStore tracks which users are live in a document, with a TTL so
// crashed clients age out. Optional.
type PresenceStore interface {
	Touch(ctx context.Context, documentID, userID, displayName string) error
	Remove(ctx context.Context, documentID, userID string) error
}

// Hub owns the set of open rooms, keyed by document ID. Rooms open lazily on
// first join and live for the relay's lifetime; an empty room is just an
// idle replica with no subscribers.
type Hub struct {
	secret   []byte
	updates  UpdateLog
	presence PresenceStore

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub creates a hub. secret verifies join tokens; updates may be nil for
// a purely in-memory relay (tests, demos), presence may be nil.
func NewHub(secret []byte, updates UpdateLog, presence PresenceStore) *Hub {
	return &Hub{
		secret:   secret,
		updates:  updates,
		presence: presence,
		rooms:    make(map[string]*Room),
	}
}

// room returns the open room for a document, creating and seeding it from
// the update log on first use.
func (h *Hub) room(documentID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[documentID]; ok {
		return r
	}
	r := newRoom(documentID, h)
	if h.updates != nil {
		payloads, err := h.updates.LoadUpdates(context.Background(), documentID)
		if err != nil {
			log.Printf("relay: loading update log for %s: %v", documentID, err)
		}
		for _, payload := range payloads {
			ops, err := crdt.DecodeOps(payload)
			if err != nil {
				log.Printf("relay: bad logged update for %s: %v", documentID, err)
				continue
			}
			r.doc.Apply(ops)
		}
	}
	h.rooms[documentID] = r
	go r.run()
	return r
}

// authenticate validates a join handshake and returns the caller's role.
func (h *Hub) authenticate(m protocol.Message) (rbac.Role, bool) {
	claims, err := auth.ParseToken(h.secret, m.Token)
	if err != nil {
		log.Printf("relay: rejected join for %s: %v", m.DocumentID, err)
		return "", false
	}
	if claims.Sub != m.UserID {
		log.Printf("relay: join user %q does not match token subject %q", m.UserID, claims.Sub)
		return "", false
	}
	return rbac.Normalize(claims.Role), true
}

// Room is one document's live session: the relay-side replica, the connected
// clients, and a single goroutine that serializes every mutation. Seed
// updates are merged only while the replica is still empty, so two clients
// proposing initial content for a brand-new document at the same instant
// cannot both win: the first proposal handled becomes content, the second is
// refused and its sender receives the winner's seed like any other update.
type Room struct {
	id  string
	hub *Hub
	doc *crdt.Doc

	join    chan *client
	leave   chan *client
	inbound chan inboundFrame
	clients map[*client]bool
}

type inboundFrame struct {
	from *client
	msg  protocol.Message
}

func newRoom(id string, hub *Hub) *Room {
	return &Room{
		id:      id,
		hub:     hub,
		doc:     crdt.New(0), // the relay replica never generates ops
		join:    make(chan *client),
		leave:   make(chan *client),
		inbound: make(chan inboundFrame, 64),
		clients: make(map[*client]bool),
	}
}

func (r *Room) run() {
	for {
		select {
		case c := <-r.join:
			r.clients[c] = true
			r.sendSync(c)
			r.touchPresence(c)
			log.Printf("relay: %s joined %s (%d connected)", c.userID, r.id, len(r.clients))
		case c := <-r.leave:
			if _, ok := r.clients[c]; !ok {
				continue
			}
			delete(r.clients, c)
			close(c.send)
			r.removePresence(c)
			r.broadcast(protocol.Leave(c.userID), c)
			log.Printf("relay: %s left %s (%d connected)", c.userID, r.id, len(r.clients))
		case frame := <-r.inbound:
			r.handle(frame.from, frame.msg)
		}
	}
}

func (r *Room) handle(from *client, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeUpdate:
		if !rbac.Can(from.role, rbac.ActionWrite) {
			from.reply(protocol.Error("FORBIDDEN", "role cannot edit"))
			return
		}
		if msg.Seed && r.doc.OpCount() != 0 {
			// A losing proposal is refused, never merged; its sender picks
			// the winning content up from the broadcast instead.
			from.reply(protocol.Error("SEED_REJECTED", "document already has content"))
			return
		}
		ops, err := crdt.DecodeOps(msg.Payload)
		if err != nil {
			// An isolated bad delta is dropped without killing the session.
			log.Printf("relay: bad delta from %s on %s: %v", from.userID, r.id, err)
			from.reply(protocol.Error("BAD_DELTA", "undecodable delta"))
			return
		}
		if !r.doc.Apply(ops) {
			// Duplicate of something already merged; echo anyway so the
			// sender's own-echo handling stays uniform.
			r.broadcast(protocol.Update(msg.Payload), nil)
			return
		}
		if r.hub.updates != nil {
			if err := r.hub.updates.AppendUpdate(context.Background(), r.id, msg.Payload); err != nil {
				log.Printf("relay: persisting update for %s: %v", r.id, err)
			}
		}
		r.broadcast(protocol.Update(msg.Payload), nil)
	case protocol.TypeAwareness:
		// Never persisted; stamped with the sender's identity so late
		// subscribers can render names without a directory lookup.
		out := msg
		out.UserID = from.userID
		out.UserName = from.userName
		r.broadcast(out, from)
		r.touchPresence(from)
	default:
		from.reply(protocol.Error("UNEXPECTED", "unexpected message type"))
	}
}

// sendSync ships the room's full state to a joining client, plus the relay's
// state vector so the client can answer with anything produced offline.
func (r *Room) sendSync(c *client) {
	payload := crdt.EncodeOps(r.doc.AllOps())
	vector := crdt.EncodeVector(r.doc.Vector())
	c.reply(protocol.Sync(payload, vector))
	// Introduce the newcomer to everyone already here.
	for peer := range r.clients {
		if peer == c {
			continue
		}
		c.reply(protocol.Awareness(peer.userID, nil, nil).WithName(peer.userName))
	}
}

// broadcast queues a message to every client except skip. Clients that
// cannot keep up are dropped; they reconnect and resync.
func (r *Room) broadcast(msg protocol.Message, skip *client) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("relay: encode broadcast for %s: %v", r.id, err)
		return
	}
	var reaped []*client
	for c := range r.clients {
		if c == skip {
			continue
		}
		select {
		case c.send <- raw:
		default:
			delete(r.clients, c)
			close(c.send)
			r.removePresence(c)
			reaped = append(reaped, c)
		}
	}
	// A reaped client is gone as surely as one that said goodbye; announce
	// it so survivors do not keep a ghost roster entry.
	for _, c := range reaped {
		r.broadcast(protocol.Leave(c.userID), nil)
	}
}

func (r *Room) touchPresence(c *client) {
	if r.hub.presence == nil {
		return
	}
	if err := r.hub.presence.Touch(context.Background(), r.id, c.userID, c.userName); err != nil {
		log.Printf("relay: presence touch for %s: %v", r.id, err)
	}
}

func (r *Room) removePresence(c *client) {
	if r.hub.presence == nil {
		return
	}
	if err := r.hub.presence.Remove(context.Background(), r.id, c.userID); err != nil {
		log.Printf("relay: presence remove for %s: %v", r.id, err)
	}
}
