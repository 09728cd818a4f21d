package swarm

import (
	"testing"
)

func TestOpenBootstrapsLocalNode(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	local := s.LocalNode()
	if local.ID == "" {
		t.Fatal("local node has no id")
	}
	if local.Address != "localhost" {
		t.Fatalf("local address = %q, want localhost", local.Address)
	}
	if local.Port < 1024 || local.Port >= 13024 {
		t.Fatalf("local port %d outside [1024, 13024)", local.Port)
	}

	// Reopening the same directory yields the same identity.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.LocalNode().ID != local.ID {
		t.Fatalf("reopened local id %q, want %q", s2.LocalNode().ID, local.ID)
	}
}

func TestJoinLeavePersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	p := Peer{ID: "peer-1", Address: "10.0.0.2", Port: 4000, Protocol: "http"}
	if err := s.Join(p); err != nil {
		t.Fatalf("Join: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	peers := s2.Peers()
	if len(peers) != 1 || peers[0].ID != "peer-1" {
		t.Fatalf("reopened peers = %+v, want one peer-1", peers)
	}

	if err := s2.Leave(p); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	s3, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after leave: %v", err)
	}
	if len(s3.Peers()) != 0 {
		t.Fatalf("peers after leave = %+v, want none", s3.Peers())
	}
}

func TestJoinUpdatesExistingPeer(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	p := Peer{ID: "peer-1", Address: "10.0.0.2", Port: 4000, Protocol: "http"}
	if err := s.Join(p); err != nil {
		t.Fatalf("Join: %v", err)
	}
	p.Port = 5000
	if err := s.Join(p); err != nil {
		t.Fatalf("Join update: %v", err)
	}

	peers := s.Peers()
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	if peers[0].Port != 5000 {
		t.Fatalf("peer port = %d, want updated 5000", peers[0].Port)
	}
}

func TestPeersExcludesLocal(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, p := range s.Peers() {
		if p.ID == s.LocalNode().ID {
			t.Fatal("Peers must exclude the local node")
		}
	}
}

func TestUpdateLocalNode(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.UpdateLocalNode("203.0.113.7"); err != nil {
		t.Fatalf("UpdateLocalNode: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.LocalNode().Address != "203.0.113.7" {
		t.Fatalf("address = %q, want 203.0.113.7", s2.LocalNode().Address)
	}
}
