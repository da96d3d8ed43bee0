package store

import (
	"fmt"
	"testing"
	"time"

	"chatforge/pkg/domain"
)

func seedChats(t *testing.T, s Store, userID string, n int, base time.Time) []domain.Chat {
	t.Helper()
	chats := make([]domain.Chat, 0, n)
	for i := 0; i < n; i++ {
		chat := domain.Chat{
			ID:         fmt.Sprintf("%s-chat-%d", userID, i),
			UserID:     userID,
			Title:      fmt.Sprintf("chat %d", i),
			Visibility: domain.VisibilityPrivate,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveChat(chat); err != nil {
			t.Fatalf("save chat: %v", err)
		}
		chats = append(chats, chat)
	}
	return chats
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	first := domain.User{ID: "sub-1", Email: "a@example.com", CreatedAt: time.Now().UTC()}
	stored, err := s.EnsureUser(first)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if stored.Email != "a@example.com" {
		t.Fatalf("unexpected email %q", stored.Email)
	}

	// A racing second insert with a different email must not replace the row.
	again, err := s.EnsureUser(domain.User{ID: "sub-1", Email: "b@example.com"})
	if err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	if again.Email != "a@example.com" {
		t.Fatalf("second insert replaced user, got email %q", again.Email)
	}
}

func TestListChatsPagination(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	chats := seedChats(t, s, "u1", 5, base)

	page, err := s.ListChatsByUser("u1", 3, "", "")
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(page.Chats) != 3 {
		t.Fatalf("expected 3 chats, got %d", len(page.Chats))
	}
	if !page.HasMore {
		t.Fatal("expected hasMore=true with rows beyond the page")
	}
	// Newest first.
	if page.Chats[0].ID != chats[4].ID {
		t.Fatalf("expected newest chat first, got %s", page.Chats[0].ID)
	}

	// Page boundary exactly at the row count: no extra row exists.
	page, err = s.ListChatsByUser("u1", 5, "", "")
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if page.HasMore {
		t.Fatal("expected hasMore=false when no row beyond the page exists")
	}

	// ending_before walks to older chats.
	page, err = s.ListChatsByUser("u1", 10, "", chats[2].ID)
	if err != nil {
		t.Fatalf("list chats ending_before: %v", err)
	}
	if len(page.Chats) != 2 {
		t.Fatalf("expected 2 older chats, got %d", len(page.Chats))
	}

	// starting_after walks to newer chats.
	page, err = s.ListChatsByUser("u1", 10, chats[2].ID, "")
	if err != nil {
		t.Fatalf("list chats starting_after: %v", err)
	}
	if len(page.Chats) != 2 {
		t.Fatalf("expected 2 newer chats, got %d", len(page.Chats))
	}

	// Unknown cursor must fail rather than silently scanning from the top.
	if _, err := s.ListChatsByUser("u1", 10, "missing", ""); err == nil {
		t.Fatal("expected error for unknown cursor")
	}
}

func TestListChatsScopedToUser(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedChats(t, s, "owner", 3, base)
	seedChats(t, s, "other", 2, base)

	page, err := s.ListChatsByUser("owner", 10, "", "")
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(page.Chats) != 3 {
		t.Fatalf("expected only owner's chats, got %d", len(page.Chats))
	}
	for _, c := range page.Chats {
		if c.UserID != "owner" {
			t.Fatalf("leaked chat %s belonging to %s", c.ID, c.UserID)
		}
	}
}

func TestVoteUpsert(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveVote("c1", "m1", true); err != nil {
		t.Fatalf("save vote: %v", err)
	}
	if err := s.SaveVote("c1", "m1", true); err != nil {
		t.Fatalf("save vote twice: %v", err)
	}
	votes, err := s.ListVotesByChat("c1")
	if err != nil {
		t.Fatalf("list votes: %v", err)
	}
	if len(votes) != 1 {
		t.Fatalf("expected exactly one vote row, got %d", len(votes))
	}
	if !votes[0].IsUpvoted {
		t.Fatal("expected isUpvoted=true")
	}

	// A later downvote overwrites in place.
	if err := s.SaveVote("c1", "m1", false); err != nil {
		t.Fatalf("save downvote: %v", err)
	}
	votes, _ = s.ListVotesByChat("c1")
	if len(votes) != 1 || votes[0].IsUpvoted {
		t.Fatalf("expected single overwritten vote, got %+v", votes)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	if err := s.SaveChat(domain.Chat{ID: "c1", UserID: "u1", CreatedAt: now}); err != nil {
		t.Fatalf("save chat: %v", err)
	}
	msgs := []domain.Message{
		{ID: "m1", ChatID: "c1", Role: domain.RoleUser, Parts: []domain.MessagePart{{Type: "text", Text: "hi"}}, CreatedAt: now},
		{ID: "m2", ChatID: "c1", Role: domain.RoleAssistant, Parts: []domain.MessagePart{{Type: "text", Text: "hello"}}, CreatedAt: now.Add(time.Second)},
	}
	if err := s.SaveMessages(msgs); err != nil {
		t.Fatalf("save messages: %v", err)
	}
	if err := s.SaveVote("c1", "m2", true); err != nil {
		t.Fatalf("save vote: %v", err)
	}

	if err := s.DeleteChat("c1"); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	if _, ok, _ := s.GetChatByID("c1"); ok {
		t.Fatal("chat still present after delete")
	}
	if _, ok, _ := s.GetMessageByID("m1"); ok {
		t.Fatal("message m1 still present after chat delete")
	}
	if votes, _ := s.ListVotesByChat("c1"); len(votes) != 0 {
		t.Fatalf("votes still present after chat delete: %+v", votes)
	}
}

func TestDeleteMessagesAfterTimestamp(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []domain.Message{
		{ID: "m1", ChatID: "c1", Role: domain.RoleUser, CreatedAt: base},
		{ID: "m2", ChatID: "c1", Role: domain.RoleAssistant, CreatedAt: base.Add(time.Minute)},
		{ID: "m3", ChatID: "c1", Role: domain.RoleUser, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "m4", ChatID: "c1", Role: domain.RoleAssistant, CreatedAt: base.Add(3 * time.Minute)},
	}
	if err := s.SaveMessages(msgs); err != nil {
		t.Fatalf("save messages: %v", err)
	}
	if err := s.SaveVote("c1", "m4", true); err != nil {
		t.Fatalf("save vote: %v", err)
	}

	// Truncate from m3 onward (createdAt >= cutoff).
	if err := s.DeleteMessagesAfter("c1", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("delete messages after: %v", err)
	}
	remaining, err := s.ListMessagesByChat("c1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining messages, got %d", len(remaining))
	}
	if remaining[0].ID != "m1" || remaining[1].ID != "m2" {
		t.Fatalf("wrong messages kept: %s, %s", remaining[0].ID, remaining[1].ID)
	}
	if votes, _ := s.ListVotesByChat("c1"); len(votes) != 0 {
		t.Fatal("vote on truncated message survived")
	}
}

func TestDocumentRevisionsAndRevert(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		doc := domain.Document{
			ID:        "d1",
			UserID:    "u1",
			Title:     "essay",
			Kind:      domain.KindText,
			Content:   fmt.Sprintf("revision %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.SaveDocument(doc); err != nil {
			t.Fatalf("save document: %v", err)
		}
	}
	if err := s.SaveSuggestions([]domain.Suggestion{{
		ID:                "s1",
		DocumentID:        "d1",
		DocumentCreatedAt: base.Add(2 * time.Hour),
		OriginalText:      "old",
		SuggestedText:     "new",
		UserID:            "u1",
		CreatedAt:         base.Add(2 * time.Hour),
	}}); err != nil {
		t.Fatalf("save suggestions: %v", err)
	}

	latest, ok, err := s.GetLatestDocument("d1")
	if err != nil || !ok {
		t.Fatalf("get latest: ok=%v err=%v", ok, err)
	}
	if latest.Content != "revision 2" {
		t.Fatalf("expected latest revision, got %q", latest.Content)
	}

	// Revert to the first revision drops later revisions and their suggestions.
	if err := s.DeleteDocumentRevisionsAfter("d1", base); err != nil {
		t.Fatalf("delete revisions after: %v", err)
	}
	revisions, _ := s.ListDocumentRevisions("d1")
	if len(revisions) != 1 {
		t.Fatalf("expected 1 revision after revert, got %d", len(revisions))
	}
	items, _ := s.ListSuggestionsByDocument("d1")
	if len(items) != 0 {
		t.Fatalf("suggestion for deleted revision survived: %+v", items)
	}
}
