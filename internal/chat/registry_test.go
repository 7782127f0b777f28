package chat

import "testing"

func TestRegistryTracksMultipleConnectionsPerUser(t *testing.T) {
	registry := NewRegistry(nil)
	userID := mustUserID(t, "user-1")

	phone := newStubConn("conn-phone")
	laptop := newStubConn("conn-laptop")
	registry.Register(userID, phone)
	registry.Register(userID, laptop)

	live := registry.LiveConnections(userID)
	if len(live) != 2 {
		t.Fatalf("expected 2 live connections, got %d", len(live))
	}
	if !registry.IsOnline(userID) {
		t.Fatalf("expected user to be online")
	}

	owner, ok := registry.UserFor("conn-phone")
	if !ok || owner != userID {
		t.Fatalf("expected reverse lookup to resolve %s, got %s (%v)", userID, owner, ok)
	}
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	registry := NewRegistry(nil)
	userID := mustUserID(t, "user-1")
	conn := newStubConn("conn-1")

	registry.Register(userID, conn)
	registry.Register(userID, conn)

	if got := len(registry.LiveConnections(userID)); got != 1 {
		t.Fatalf("expected 1 live connection after duplicate register, got %d", got)
	}
}

func TestRegistryUnregisterUnknownConnectionIsNoOp(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Unregister(newStubConn("never-registered"))

	if registry.IsOnline(mustUserID(t, "user-1")) {
		t.Fatalf("expected no users online")
	}
}

func TestRegistryPresenceTransitions(t *testing.T) {
	registry := NewRegistry(nil)
	userID := mustUserID(t, "user-1")

	type transition struct {
		userID UserID
		online bool
	}
	var transitions []transition
	registry.OnPresenceChange(func(id UserID, online bool) {
		transitions = append(transitions, transition{userID: id, online: online})
	})

	first := newStubConn("conn-1")
	second := newStubConn("conn-2")

	registry.Register(userID, first)
	registry.Register(userID, second)
	registry.Unregister(first)
	registry.Unregister(second)

	expected := []transition{
		{userID: userID, online: true},
		{userID: userID, online: false},
	}
	if len(transitions) != len(expected) {
		t.Fatalf("expected %d transitions, got %d: %#v", len(expected), len(transitions), transitions)
	}
	for index, want := range expected {
		if transitions[index] != want {
			t.Fatalf("unexpected transition at %d: got %#v want %#v", index, transitions[index], want)
		}
	}
	if registry.IsOnline(userID) {
		t.Fatalf("expected user offline after last unregister")
	}
}

func TestRegistrySecondDeviceDoesNotDisturbFirst(t *testing.T) {
	registry := NewRegistry(nil)
	userID := mustUserID(t, "user-1")
	first := newStubConn("conn-1")
	registry.Register(userID, first)

	registry.Register(userID, newStubConn("conn-2"))

	found := false
	for _, conn := range registry.LiveConnections(userID) {
		if conn.ID() == first.ID() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected first connection to remain live after second register")
	}
}

func TestRegistryIsolatesUsers(t *testing.T) {
	registry := NewRegistry(nil)
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")

	registry.Register(alice, newStubConn("conn-a"))

	if registry.IsOnline(bob) {
		t.Fatalf("expected bob offline")
	}
	if got := len(registry.LiveConnections(bob)); got != 0 {
		t.Fatalf("expected empty snapshot for bob, got %d", got)
	}
}
