package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustConversationID(t *testing.T, value string) ConversationID {
	t.Helper()
	id, err := NewConversationID(value)
	if err != nil {
		t.Fatalf("unexpected conversation id error: %v", err)
	}
	return id
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to resolve sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Message{}, &ConversationMember{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

// stubConn records deliveries for assertions.
type stubConn struct {
	id          string
	mu          sync.Mutex
	delivered   []Message
	failDeliver bool
}

func newStubConn(id string) *stubConn {
	return &stubConn{id: id}
}

func (c *stubConn) ID() string {
	return c.id
}

func (c *stubConn) Deliver(message Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failDeliver {
		return fmt.Errorf("deliver failed for %s", c.id)
	}
	c.delivered = append(c.delivered, message)
	return nil
}

func (c *stubConn) deliveredMessages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]Message, len(c.delivered))
	copy(snapshot, c.delivered)
	return snapshot
}

// stubMembershipSource serves fixed member sets and counts lookups.
type stubMembershipSource struct {
	mu      sync.Mutex
	members map[ConversationID][]UserID
	calls   int
}

func newStubMembershipSource() *stubMembershipSource {
	return &stubMembershipSource{members: make(map[ConversationID][]UserID)}
}

func (s *stubMembershipSource) set(conversationID ConversationID, members ...UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[conversationID] = members
}

func (s *stubMembershipSource) MembersOf(_ context.Context, conversationID ConversationID) ([]UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.members[conversationID], nil
}

func (s *stubMembershipSource) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// countingAppender assigns sequence numbers in memory and counts appends.
type countingAppender struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	lastSeq map[ConversationID]int64
}

func newCountingAppender() *countingAppender {
	return &countingAppender{lastSeq: make(map[ConversationID]int64)}
}

func (a *countingAppender) Append(_ context.Context, conversationID ConversationID, senderID UserID, body string) (Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail {
		return Message{}, fmt.Errorf("append rejected")
	}
	a.lastSeq[conversationID]++
	return Message{
		ConversationID:   conversationID.String(),
		Seq:              a.lastSeq[conversationID],
		SenderID:         senderID.String(),
		Body:             body,
		CreatedAtSeconds: 1700000000,
	}, nil
}

func (a *countingAppender) appendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
