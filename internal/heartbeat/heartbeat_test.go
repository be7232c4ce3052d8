package heartbeat

import (
	"testing"
	"time"
)

func TestNewPeerStartsLive(t *testing.T) {
	d := New(time.Second, 2*time.Second)
	now := time.Now()
	d.AddPeer("node-1", now)
	if d.StateOf("node-1") != Live {
		t.Fatalf("StateOf(new peer) = %v, want Live", d.StateOf("node-1"))
	}
}

func TestSweepMovesLiveToSuspectAfterTimeout(t *testing.T) {
	d := New(time.Second, 2*time.Second)
	start := time.Now()
	d.AddPeer("node-1", start)

	d.Sweep(start.Add(500 * time.Millisecond))
	if d.StateOf("node-1") != Live {
		t.Fatalf("StateOf before suspect timeout = %v, want Live", d.StateOf("node-1"))
	}

	d.Sweep(start.Add(1500 * time.Millisecond))
	if d.StateOf("node-1") != Suspect {
		t.Fatalf("StateOf after suspect timeout = %v, want Suspect", d.StateOf("node-1"))
	}
}

func TestSweepMovesSuspectToDeadAfterTimeout(t *testing.T) {
	d := New(time.Second, 2*time.Second)
	start := time.Now()
	d.AddPeer("node-1", start)

	d.Sweep(start.Add(1500 * time.Millisecond))
	d.Sweep(start.Add(3 * time.Second))
	if d.StateOf("node-1") != Dead {
		t.Fatalf("StateOf after dead timeout = %v, want Dead", d.StateOf("node-1"))
	}
}

func TestRecordReplyResetsToLive(t *testing.T) {
	d := New(time.Second, 2*time.Second)
	start := time.Now()
	d.AddPeer("node-1", start)
	d.Sweep(start.Add(3 * time.Second))
	if d.StateOf("node-1") != Dead {
		t.Fatalf("precondition: StateOf = %v, want Dead", d.StateOf("node-1"))
	}

	d.RecordReply("node-1", start.Add(4*time.Second))
	if d.StateOf("node-1") != Live {
		t.Fatalf("StateOf after reply = %v, want Live", d.StateOf("node-1"))
	}
}

func TestSubscribeReceivesTransitionEvents(t *testing.T) {
	d := New(time.Second, 2*time.Second)
	events := d.Subscribe()

	start := time.Now()
	d.AddPeer("node-1", start)
	d.Sweep(start.Add(1500 * time.Millisecond))

	select {
	case ev := <-events:
		if ev.NodeID != "node-1" || ev.From != Live || ev.To != Suspect {
			t.Fatalf("event = %+v, want node-1 Live->Suspect", ev)
		}
	default:
		t.Fatal("expected a transition event on the subscription channel")
	}
}

func TestLivePeersExcludesSuspectAndDead(t *testing.T) {
	d := New(time.Second, 2*time.Second)
	start := time.Now()
	d.AddPeer("node-1", start)
	d.AddPeer("node-2", start)
	d.Sweep(start.Add(1500 * time.Millisecond))
	d.RecordReply("node-2", start.Add(1500*time.Millisecond))

	live := d.LivePeers()
	if len(live) != 1 || live[0] != "node-2" {
		t.Fatalf("LivePeers = %v, want [node-2]", live)
	}
}

func TestRemovePeerStopsTracking(t *testing.T) {
	d := New(time.Second, 2*time.Second)
	d.AddPeer("node-1", time.Now())
	d.RemovePeer("node-1")
	if d.StateOf("node-1") != Dead {
		t.Fatalf("StateOf(removed peer) = %v, want Dead (unknown)", d.StateOf("node-1"))
	}
}
