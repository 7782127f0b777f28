package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestHistory(t *testing.T, store *MessageStore, source *stubMembershipSource) *History {
	t.Helper()
	manager, err := NewRoomManager(source, nil)
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	history, err := NewHistory(HistoryConfig{
		Reader:          store,
		Rooms:           manager,
		DefaultPageSize: 50,
		MaxPageSize:     100,
	})
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	return history
}

func seedMessages(t *testing.T, store *MessageStore, conversationID ConversationID, sender UserID, count int) {
	t.Helper()
	ctx := context.Background()
	for index := 0; index < count; index++ {
		if _, err := store.Append(ctx, conversationID, sender, "msg"); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}
}

func TestFetchBeforeClampsLimitSilently(t *testing.T) {
	store, err := NewMessageStore(MessageStoreConfig{
		Database: openTestDatabase(t),
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	conversationID := mustConversationID(t, "dm:alice:bob")
	alice := mustUserID(t, "alice")
	source := newStubMembershipSource()
	source.set(conversationID, alice)
	history := newTestHistory(t, store, source)

	seedMessages(t, store, conversationID, alice, 150)

	page, err := history.FetchBefore(context.Background(), conversationID, alice, nil, 500)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(page) != 100 {
		t.Fatalf("expected page capped at 100, got %d", len(page))
	}
	if page[0].Seq != 150 {
		t.Fatalf("expected newest message first, got seq %d", page[0].Seq)
	}
}

func TestFetchBeforeUsesDefaultPageSize(t *testing.T) {
	store, err := NewMessageStore(MessageStoreConfig{
		Database: openTestDatabase(t),
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	conversationID := mustConversationID(t, "dm:alice:bob")
	alice := mustUserID(t, "alice")
	source := newStubMembershipSource()
	source.set(conversationID, alice)
	history := newTestHistory(t, store, source)

	seedMessages(t, store, conversationID, alice, 60)

	page, err := history.FetchBefore(context.Background(), conversationID, alice, nil, 0)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(page) != 50 {
		t.Fatalf("expected default page size 50, got %d", len(page))
	}
}

func TestFetchBeforePagesWithoutGapsOrDuplicates(t *testing.T) {
	store, err := NewMessageStore(MessageStoreConfig{
		Database: openTestDatabase(t),
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	conversationID := mustConversationID(t, "dm:alice:bob")
	alice := mustUserID(t, "alice")
	source := newStubMembershipSource()
	source.set(conversationID, alice)
	history := newTestHistory(t, store, source)

	seedMessages(t, store, conversationID, alice, 7)

	ctx := context.Background()
	var collected []int64
	var boundary *int64
	for {
		page, err := history.FetchBefore(ctx, conversationID, alice, boundary, 3)
		if err != nil {
			t.Fatalf("unexpected fetch error: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for index, message := range page {
			if index > 0 && page[index-1].Seq <= message.Seq {
				t.Fatalf("page not strictly decreasing: %#v", page)
			}
			collected = append(collected, message.Seq)
		}
		last := page[len(page)-1].Seq
		boundary = &last
	}

	if len(collected) != 7 {
		t.Fatalf("expected 7 messages across pages, got %d", len(collected))
	}
	for index, seq := range collected {
		expected := int64(7 - index)
		if seq != expected {
			t.Fatalf("expected seq %d at position %d, got %d", expected, index, seq)
		}
	}
}

func TestFetchBeforeRequiresMembership(t *testing.T) {
	store, err := NewMessageStore(MessageStoreConfig{
		Database: openTestDatabase(t),
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	conversationID := mustConversationID(t, "dm:alice:bob")
	source := newStubMembershipSource()
	source.set(conversationID, mustUserID(t, "alice"))
	history := newTestHistory(t, store, source)

	_, err = history.FetchBefore(context.Background(), conversationID, mustUserID(t, "mallory"), nil, 10)
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestNewHistoryClampsDefaultToMax(t *testing.T) {
	store, err := NewMessageStore(MessageStoreConfig{
		Database: openTestDatabase(t),
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	manager, err := NewRoomManager(newStubMembershipSource(), nil)
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	history, err := NewHistory(HistoryConfig{
		Reader:          store,
		Rooms:           manager,
		DefaultPageSize: 200,
		MaxPageSize:     100,
	})
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if history.DefaultPageSize() != 100 {
		t.Fatalf("expected default clamped to max, got %d", history.DefaultPageSize())
	}
	if history.MaxPageSize() != 100 {
		t.Fatalf("unexpected max page size %d", history.MaxPageSize())
	}
}
