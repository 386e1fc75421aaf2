package conversation

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conv.bolt")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGetByID(t *testing.T) {
	s := openTestStore(t)
	rec := Record{Scope: "k:1", OpenAIConversationID: "c1", Token: "tok", CreatedAt: 100, UpdatedAt: 100, ExpiresAt: 1000}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.GetByID("k:1", "c1", 500)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.Token != "tok" {
		t.Fatalf("expected live row, got %+v", got)
	}
}

func TestGetByIDPurgesExpired(t *testing.T) {
	s := openTestStore(t)
	rec := Record{Scope: "k:1", OpenAIConversationID: "c1", CreatedAt: 100, UpdatedAt: 100, ExpiresAt: 200}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.GetByID("k:1", "c1", 9999)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for expired row, got %+v", got)
	}
	got2, _ := s.GetByID("k:1", "c1", 9999)
	if got2 != nil {
		t.Fatalf("expected row to stay purged, got %+v", got2)
	}
}

func TestFindByHistoryHashReturnsNewest(t *testing.T) {
	s := openTestStore(t)
	older := Record{Scope: "k:1", OpenAIConversationID: "c-old", HistoryHash: "h1", CreatedAt: 100, UpdatedAt: 100, ExpiresAt: 9999}
	newer := Record{Scope: "k:1", OpenAIConversationID: "c-new", HistoryHash: "h1", CreatedAt: 200, UpdatedAt: 200, ExpiresAt: 9999}
	if err := s.Upsert(older); err != nil {
		t.Fatalf("Upsert older: %v", err)
	}
	if err := s.Upsert(newer); err != nil {
		t.Fatalf("Upsert newer: %v", err)
	}
	got, err := s.FindByHistoryHash("k:1", "h1", 150)
	if err != nil {
		t.Fatalf("FindByHistoryHash: %v", err)
	}
	if got == nil || got.OpenAIConversationID != "c-new" {
		t.Fatalf("expected newest match c-new, got %+v", got)
	}
}

func TestTrimForTokenKeepsOnlyMostRecent(t *testing.T) {
	s := openTestStore(t)
	for i, ts := range []int64{100, 200, 300, 400} {
		rec := Record{
			Scope: "k:1", OpenAIConversationID: "c" + string(rune('a'+i)),
			Token: "tok", CreatedAt: ts, UpdatedAt: ts, ExpiresAt: 9999,
		}
		if err := s.Upsert(rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	deleted, err := s.TrimForToken("k:1", "tok", 2)
	if err != nil {
		t.Fatalf("TrimForToken: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}
	remaining := 0
	for _, id := range []string{"ca", "cb", "cc", "cd"} {
		if r, _ := s.GetByID("k:1", id, 0); r != nil {
			remaining++
		}
	}
	if remaining != 2 {
		t.Fatalf("expected 2 rows to remain, got %d", remaining)
	}
}

func TestCleanupExpiredOldestFirstUpToLimit(t *testing.T) {
	s := openTestStore(t)
	for i, ts := range []int64{100, 200, 300} {
		rec := Record{
			Scope: "k:1", OpenAIConversationID: "c" + string(rune('a'+i)),
			CreatedAt: ts, UpdatedAt: ts, ExpiresAt: 150,
		}
		if err := s.Upsert(rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	deleted, err := s.CleanupExpired(2, 9999)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions capped by limit, got %d", deleted)
	}
	if r, _ := s.GetByID("k:1", "ca", 0); r != nil {
		t.Fatalf("expected oldest row ca to have been deleted already, got %+v", r)
	}
}

func TestStatsCountsActiveAndExpired(t *testing.T) {
	s := openTestStore(t)
	live := Record{Scope: "k:1", OpenAIConversationID: "c1", Token: "abcdef123456", CreatedAt: 100, UpdatedAt: 100, ExpiresAt: 9999}
	expired := Record{Scope: "k:1", OpenAIConversationID: "c2", Token: "zzz", CreatedAt: 100, UpdatedAt: 100, ExpiresAt: 1}
	if err := s.Upsert(live); err != nil {
		t.Fatalf("Upsert live: %v", err)
	}
	if err := s.Upsert(expired); err != nil {
		t.Fatalf("Upsert expired: %v", err)
	}
	st, err := s.Stats(5, 500)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ActiveTotal != 1 {
		t.Fatalf("expected 1 active row, got %d", st.ActiveTotal)
	}
	if st.ExpiredTotal != 1 {
		t.Fatalf("expected 1 expired row, got %d", st.ExpiredTotal)
	}
	if len(st.TopTokens) != 1 || st.TopTokens[0].TokenSuffix != "123456" {
		t.Fatalf("expected top token suffix 123456, got %+v", st.TopTokens)
	}
}
