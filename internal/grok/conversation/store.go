package conversation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketRecords   = "conversations"
	bucketByHistory = "idx_history"
	bucketByToken   = "idx_token"
	bucketByCreated = "idx_created"
)

// Store is a single embedded bbolt database backing the scoped conversation
// table from spec.md §3/§6, with secondary indexes for history-hash lookup,
// token-scoped trimming, and oldest-first expiry cleanup.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures the
// buckets this store needs exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRecords, bucketByHistory, bucketByToken, bucketByCreated} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(scope, id string) []byte {
	return []byte(scope + "\x00" + id)
}

func invertedMs(ms int64) uint64 {
	// Subtracting from MaxInt64 turns ascending byte-order iteration into
	// newest-first iteration for timestamp-keyed indexes.
	return uint64(math.MaxInt64 - ms)
}

func historyIndexKey(r Record) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%020d\x00%s", r.Scope, r.HistoryHash, invertedMs(r.UpdatedAt), r.OpenAIConversationID))
}

func tokenIndexKey(r Record) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%020d\x00%s", r.Scope, r.Token, invertedMs(r.UpdatedAt), r.OpenAIConversationID))
}

func createdIndexKey(r Record) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(r.CreatedAt))
	return append(b, []byte("\x00"+r.Scope+"\x00"+r.OpenAIConversationID)...)
}

// Upsert inserts or replaces a row by (Scope, OpenAIConversationID),
// rewriting its secondary index entries atomically.
func (s *Store) Upsert(r Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		key := recordKey(r.Scope, r.OpenAIConversationID)

		if existing, ok := existingRecord(records, key); ok {
			if err := deleteIndexEntries(tx, existing); err != nil {
				return err
			}
		}

		enc, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := records.Put(key, enc); err != nil {
			return err
		}
		return putIndexEntries(tx, r)
	})
}

func existingRecord(records *bolt.Bucket, key []byte) (Record, bool) {
	v := records.Get(key)
	if v == nil {
		return Record{}, false
	}
	var r Record
	if err := json.Unmarshal(v, &r); err != nil {
		return Record{}, false
	}
	return r, true
}

func putIndexEntries(tx *bolt.Tx, r Record) error {
	if err := tx.Bucket([]byte(bucketByHistory)).Put(historyIndexKey(r), []byte(r.OpenAIConversationID)); err != nil {
		return err
	}
	if err := tx.Bucket([]byte(bucketByToken)).Put(tokenIndexKey(r), []byte(r.OpenAIConversationID)); err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketByCreated)).Put(createdIndexKey(r), []byte(r.Scope+"\x00"+r.OpenAIConversationID))
}

func deleteIndexEntries(tx *bolt.Tx, r Record) error {
	if err := tx.Bucket([]byte(bucketByHistory)).Delete(historyIndexKey(r)); err != nil {
		return err
	}
	if err := tx.Bucket([]byte(bucketByToken)).Delete(tokenIndexKey(r)); err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketByCreated)).Delete(createdIndexKey(r))
}

// GetByID purges the row if it is expired, else returns it.
func (s *Store) GetByID(scope, id string, nowMs int64) (*Record, error) {
	var result *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		key := recordKey(scope, id)
		r, ok := existingRecord(records, key)
		if !ok {
			return nil
		}
		if r.expired(nowMs) {
			if err := records.Delete(key); err != nil {
				return err
			}
			return deleteIndexEntries(tx, r)
		}
		result = &r
		return nil
	})
	return result, err
}

// FindByHistoryHash purges every expired row in scope, then returns the
// newest live match for hash, if any.
func (s *Store) FindByHistoryHash(scope, hash string, nowMs int64) (*Record, error) {
	if err := s.purgeExpiredInScope(scope, nowMs); err != nil {
		return nil, err
	}
	var result *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(bucketByHistory)).Cursor()
		prefix := []byte(scope + "\x00" + hash + "\x00")
		k, v := cursor.Seek(prefix)
		if k == nil || !hasPrefix(k, prefix) {
			return nil
		}
		records := tx.Bucket([]byte(bucketRecords))
		r, ok := existingRecord(records, recordKey(scope, string(v)))
		if !ok {
			return nil
		}
		result = &r
		return nil
	})
	return result, err
}

func (s *Store) purgeExpiredInScope(scope string, nowMs int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		cursor := records.Cursor()
		prefix := []byte(scope + "\x00")
		var expired []Record
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.expired(nowMs) {
				expired = append(expired, r)
			}
		}
		for _, r := range expired {
			if err := records.Delete(recordKey(r.Scope, r.OpenAIConversationID)); err != nil {
				return err
			}
			if err := deleteIndexEntries(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteByID removes a row unconditionally.
func (s *Store) DeleteByID(scope, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		key := recordKey(scope, id)
		r, ok := existingRecord(records, key)
		if !ok {
			return nil
		}
		if err := records.Delete(key); err != nil {
			return err
		}
		return deleteIndexEntries(tx, r)
	})
}

// CleanupExpired deletes up to clamp(limit,1,500) expired rows globally,
// oldest-created first, returning the number deleted.
func (s *Store) CleanupExpired(limit int, nowMs int64) (int, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		cursor := tx.Bucket([]byte(bucketByCreated)).Cursor()
		var toDelete []Record
		for k, _ := cursor.First(); k != nil && len(toDelete) < limit; k, _ = cursor.Next() {
			scope, id := splitScopeID(k)
			r, ok := existingRecord(records, recordKey(scope, id))
			if !ok {
				continue
			}
			if r.expired(nowMs) {
				toDelete = append(toDelete, r)
			}
		}
		for _, r := range toDelete {
			if err := records.Delete(recordKey(r.Scope, r.OpenAIConversationID)); err != nil {
				return err
			}
			if err := deleteIndexEntries(tx, r); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func splitScopeID(createdKey []byte) (scope, id string) {
	// createdKey = 8-byte timestamp + "\x00" + scope + "\x00" + id
	rest := createdKey[9:]
	for i, b := range rest {
		if b == 0 {
			return string(rest[:i]), string(rest[i+1:])
		}
	}
	return "", ""
}

// TrimForToken keeps the keep most-recent rows (by updated_at desc) for
// (scope, token), deleting the rest, and returns the deletion count.
func (s *Store) TrimForToken(scope, token string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		cursor := tx.Bucket([]byte(bucketByToken)).Cursor()
		prefix := []byte(scope + "\x00" + token + "\x00")
		var ids []string
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			ids = append(ids, string(v))
		}
		for i, id := range ids {
			if i < keep {
				continue
			}
			r, ok := existingRecord(records, recordKey(scope, id))
			if !ok {
				continue
			}
			if err := records.Delete(recordKey(scope, id)); err != nil {
				return err
			}
			if err := deleteIndexEntries(tx, r); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Stats summarizes live rows: how many are active/expired, and the top-N
// tokens by live row count (displayed as their last 6 characters).
type Stats struct {
	ActiveTotal  int
	ExpiredTotal int
	TopTokens    []TokenCount
}

// TokenCount is one entry of Stats.TopTokens.
type TokenCount struct {
	TokenSuffix string
	Count       int
}

// Stats scans every row (all scopes) and summarizes it.
func (s *Store) Stats(topN int, nowMs int64) (Stats, error) {
	var st Stats
	counts := map[string]int{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRecords)).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.expired(nowMs) {
				st.ExpiredTotal++
				return nil
			}
			st.ActiveTotal++
			counts[r.Token]++
			return nil
		})
	})
	if err != nil {
		return st, err
	}

	for token, count := range counts {
		suffix := token
		if len(suffix) > 6 {
			suffix = suffix[len(suffix)-6:]
		}
		st.TopTokens = append(st.TopTokens, TokenCount{TokenSuffix: suffix, Count: count})
	}
	sortTokenCountsDesc(st.TopTokens)
	if topN > 0 && len(st.TopTokens) > topN {
		st.TopTokens = st.TopTokens[:topN]
	}
	return st, nil
}

func sortTokenCountsDesc(tc []TokenCount) {
	for i := 1; i < len(tc); i++ {
		for j := i; j > 0 && tc[j].Count > tc[j-1].Count; j-- {
			tc[j], tc[j-1] = tc[j-1], tc[j]
		}
	}
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
