package chat

import (
	"context"
	"errors"
	"testing"
)

func newTestMembershipStore(t *testing.T) *MembershipStore {
	t.Helper()
	store, err := NewMembershipStore(MembershipStoreConfig{Database: openTestDatabase(t)})
	if err != nil {
		t.Fatalf("unexpected membership store error: %v", err)
	}
	return store
}

func TestAddMemberIsIdempotentAndNotifies(t *testing.T) {
	store := newTestMembershipStore(t)
	var invalidated []ConversationID
	store.OnMembershipChange(func(conversationID ConversationID) {
		invalidated = append(invalidated, conversationID)
	})

	ctx := context.Background()
	conversationID := mustConversationID(t, "grp:ride-club")
	alice := mustUserID(t, "alice")

	if err := store.AddMember(ctx, conversationID, alice); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if err := store.AddMember(ctx, conversationID, alice); err != nil {
		t.Fatalf("expected duplicate add to be a no-op: %v", err)
	}

	members, err := store.MembersOf(ctx, conversationID)
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 1 || members[0] != alice {
		t.Fatalf("unexpected member set: %v", members)
	}
	if len(invalidated) != 2 {
		t.Fatalf("expected invalidation per mutation, got %d", len(invalidated))
	}
}

func TestRemoveMember(t *testing.T) {
	store := newTestMembershipStore(t)
	ctx := context.Background()
	conversationID := mustConversationID(t, "grp:ride-club")
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")

	if err := store.AddMember(ctx, conversationID, alice); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if err := store.AddMember(ctx, conversationID, bob); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if err := store.RemoveMember(ctx, conversationID, alice); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	// Removing an absent member is a no-op.
	if err := store.RemoveMember(ctx, conversationID, alice); err != nil {
		t.Fatalf("expected repeat remove to be a no-op: %v", err)
	}

	members, err := store.MembersOf(ctx, conversationID)
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 1 || members[0] != bob {
		t.Fatalf("unexpected member set after removal: %v", members)
	}
}

func TestMembersOfUnknownConversationIsEmpty(t *testing.T) {
	store := newTestMembershipStore(t)
	members, err := store.MembersOf(context.Background(), mustConversationID(t, "grp:unknown"))
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty member set, got %v", members)
	}
}

func TestEnsureDirectConversation(t *testing.T) {
	store := newTestMembershipStore(t)
	ctx := context.Background()
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")

	first, err := store.EnsureDirectConversation(ctx, alice, bob)
	if err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	second, err := store.EnsureDirectConversation(ctx, bob, alice)
	if err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical ids for both orderings: %s vs %s", first, second)
	}
	if first != DirectConversationID(alice, bob) {
		t.Fatalf("unexpected derived id: %s", first)
	}

	members, err := store.MembersOf(ctx, first)
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected both participants as members, got %v", members)
	}
}

func TestEnsureDirectConversationRejectsSelf(t *testing.T) {
	store := newTestMembershipStore(t)
	alice := mustUserID(t, "alice")
	_, err := store.EnsureDirectConversation(context.Background(), alice, alice)
	if !errors.Is(err, ErrSelfConversation) {
		t.Fatalf("expected ErrSelfConversation, got %v", err)
	}
}

func TestConversationsOf(t *testing.T) {
	store := newTestMembershipStore(t)
	ctx := context.Background()
	alice := mustUserID(t, "alice")

	if _, err := store.EnsureDirectConversation(ctx, alice, mustUserID(t, "bob")); err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	if err := store.AddMember(ctx, mustConversationID(t, "grp:ride-club"), alice); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	conversations, err := store.ConversationsOf(ctx, alice)
	if err != nil {
		t.Fatalf("unexpected conversations error: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %v", conversations)
	}
}

func TestDirectConversationIDIsOrderIndependent(t *testing.T) {
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")
	if DirectConversationID(alice, bob) != DirectConversationID(bob, alice) {
		t.Fatalf("expected order-independent derivation")
	}
	if DirectConversationID(alice, bob) != "dm:alice:bob" {
		t.Fatalf("unexpected derived id: %s", DirectConversationID(alice, bob))
	}
}
