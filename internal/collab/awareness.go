package collab

import (
	"hash/fnv"
	"log"
	"sort"
	"sync"

	"cowrite/collab/internal/protocol"
)

// palette holds the collaborator indicator colors. Color assignment hashes
// the user ID into this table, so a given user renders the same color on
// every participant's screen and across reconnects.
var palette = []string{
	"#f94144", "#f3722c", "#f8961e", "#f9c74f",
	"#90be6d", "#43aa8b", "#577590", "#9b5de5",
}

// Color deterministically maps a user ID to an indicator color.
func Color(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// PeerState is one entry in the live collaborator roster. Cursor and
// Selection are nil while the peer is idle.
type PeerState struct {
	UserID      string
	DisplayName string
	Color       string
	Cursor      *int
	Selection   *protocol.Range
}

// Awareness tracks and broadcasts ephemeral presence, decoupled from
// document content. Nothing here is ever persisted.
type Awareness struct {
	userID      string
	displayName string
	send        func(protocol.Message) error

	mu       sync.Mutex
	roster   map[string]PeerState
	onChange func([]PeerState)
}

// NewAwareness creates the presence channel for the local user. send is the
// connection's Send; failures are logged and otherwise ignored because
// presence is rebuilt from scratch on every reconnect.
func NewAwareness(userID, displayName string, send func(protocol.Message) error) *Awareness {
	return &Awareness{
		userID:      userID,
		displayName: displayName,
		send:        send,
		roster:      make(map[string]PeerState),
	}
}

// OnChange registers the roster-render callback.
func (a *Awareness) OnChange(fn func([]PeerState)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// SetLocalCursor broadcasts a new cursor position for the local user. Called
// on every selection-change event; coalescing, if any, belongs to the
// transport, not here.
func (a *Awareness) SetLocalCursor(pos int) {
	a.broadcast(&pos, nil)
}

// SetLocalSelection broadcasts a selection range for the local user.
func (a *Awareness) SetLocalSelection(r protocol.Range) {
	head := r.Head
	a.broadcast(&head, &r)
}

// SetLocalIdle clears the local cursor and selection while keeping the user
// in peers' rosters.
func (a *Awareness) SetLocalIdle() {
	a.broadcast(nil, nil)
}

func (a *Awareness) broadcast(cursor *int, selection *protocol.Range) {
	msg := protocol.Awareness(a.userID, cursor, selection)
	if err := a.send(msg); err != nil && err != ErrNotConnected {
		log.Printf("collab: awareness send failed: %v", err)
	}
}

// ApplyPeer merges a peer presence or leave message into the roster. An
// awareness message with no cursor and no selection marks the peer idle but
// still present; a leave message removes the entry entirely.
func (a *Awareness) ApplyPeer(msg protocol.Message) {
	if msg.UserID == "" || msg.UserID == a.userID {
		return
	}

	a.mu.Lock()
	switch msg.Type {
	case protocol.TypeLeave:
		if _, ok := a.roster[msg.UserID]; !ok {
			a.mu.Unlock()
			return
		}
		delete(a.roster, msg.UserID)
	case protocol.TypeAwareness:
		entry := a.roster[msg.UserID]
		entry.UserID = msg.UserID
		if msg.UserName != "" {
			entry.DisplayName = msg.UserName
		}
		entry.Color = Color(msg.UserID)
		entry.Cursor = msg.Cursor
		entry.Selection = msg.Selection
		a.roster[msg.UserID] = entry
	default:
		a.mu.Unlock()
		return
	}
	notify := a.onChange
	snapshot := a.rosterLocked()
	a.mu.Unlock()

	if notify != nil {
		notify(snapshot)
	}
}

// Reset clears the roster, used when a connection drops: peers re-announce
// themselves after the reconnect sync.
func (a *Awareness) Reset() {
	a.mu.Lock()
	a.roster = make(map[string]PeerState)
	notify := a.onChange
	a.mu.Unlock()

	if notify != nil {
		notify(nil)
	}
}

// Roster returns the known peers sorted by user ID.
func (a *Awareness) Roster() []PeerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rosterLocked()
}

func (a *Awareness) rosterLocked() []PeerState {
	peers := make([]PeerState, 0, len(a.roster))
	for _, p := range a.roster {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].UserID < peers[j].UserID })
	return peers
}
