// Package heartbeat implements spec.md §4.7's failure detector: every
// node pings each peer on heartbeat_interval, moving a peer Live ->
// Suspect after suspect_timeout of missed replies and Suspect -> Dead
// after dead_timeout, resetting to Live on any reply. State changes are
// published to subscribers (Hinted-Handoff, Quorum Coordinator, and
// Anti-Entropy per spec.md) rather than polled.
package heartbeat

import (
	"sync"
	"time"
)

// State is a peer's failure-detector state.
type State int

const (
	Live State = iota
	Suspect
	Dead
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Event is published whenever a peer's state changes.
type Event struct {
	NodeID string
	From   State
	To     State
	At     time.Time
}

type peerState struct {
	state       State
	lastReplyAt time.Time
}

// Detector tracks peer liveness and fans out state-change events to
// subscribers.
type Detector struct {
	mu    sync.Mutex
	peers map[string]*peerState

	suspectTimeout time.Duration
	deadTimeout    time.Duration

	subsMu sync.Mutex
	subs   []chan Event
}

// New returns a Detector using the given suspect/dead timeouts.
func New(suspectTimeout, deadTimeout time.Duration) *Detector {
	return &Detector{
		peers:          make(map[string]*peerState),
		suspectTimeout: suspectTimeout,
		deadTimeout:    deadTimeout,
	}
}

// Subscribe returns a channel that receives every state-change event.
// The channel is buffered; a slow subscriber drops events rather than
// blocking the detector's sweep loop.
func (d *Detector) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	d.subsMu.Lock()
	d.subs = append(d.subs, ch)
	d.subsMu.Unlock()
	return ch
}

func (d *Detector) publish(ev Event) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// AddPeer registers a peer as Live as of now, so its clock starts
// fresh rather than being immediately overdue.
func (d *Detector) AddPeer(nodeID string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[nodeID] = &peerState{state: Live, lastReplyAt: now}
}

// RemovePeer stops tracking nodeID (e.g. after an administrative
// RemoveNode).
func (d *Detector) RemovePeer(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, nodeID)
}

// RecordReply resets a peer to Live, publishing a state-change event if
// it wasn't already Live.
func (d *Detector) RecordReply(nodeID string, now time.Time) {
	d.mu.Lock()
	p, ok := d.peers[nodeID]
	if !ok {
		p = &peerState{}
		d.peers[nodeID] = p
	}
	from := p.state
	p.state = Live
	p.lastReplyAt = now
	d.mu.Unlock()

	if from != Live {
		d.publish(Event{NodeID: nodeID, From: from, To: Live, At: now})
	}
}

// Sweep advances every peer's state based on elapsed time since its
// last reply, publishing an event for each transition. Call this
// periodically (driven by heartbeat_interval) from the node's
// background heartbeat task.
func (d *Detector) Sweep(now time.Time) {
	d.mu.Lock()
	var transitions []Event
	for nodeID, p := range d.peers {
		elapsed := now.Sub(p.lastReplyAt)
		next := p.state
		switch p.state {
		case Live:
			if elapsed >= d.suspectTimeout {
				next = Suspect
			}
			if elapsed >= d.deadTimeout {
				next = Dead
			}
		case Suspect:
			if elapsed >= d.deadTimeout {
				next = Dead
			}
		}
		if next != p.state {
			transitions = append(transitions, Event{NodeID: nodeID, From: p.state, To: next, At: now})
			p.state = next
		}
	}
	d.mu.Unlock()

	for _, ev := range transitions {
		d.publish(ev)
	}
}

// StateOf returns a peer's current state. Unknown peers report Dead.
func (d *Detector) StateOf(nodeID string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[nodeID]
	if !ok {
		return Dead
	}
	return p.state
}

// LivePeers returns every peer currently in the Live state.
func (d *Detector) LivePeers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for nodeID, p := range d.peers {
		if p.state == Live {
			out = append(out, nodeID)
		}
	}
	return out
}
