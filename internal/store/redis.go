package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/race-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Money decisions are made
// inside the primary's transactions, never against a cached value.
//
// Cached accounts carry the account's write generation from when the primary
// was read. Every write bumps the generation, so a reader that cached a
// balance read before a concurrent write cannot serve it afterwards.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PlaceBet(ctx context.Context, bet *model.Bet) (*model.Account, error) {
	acc, err := s.primary.PlaceBet(ctx, bet)
	if err != nil {
		return nil, err
	}
	s.invalidateAccounts(ctx, bet.UserID)
	return acc, nil
}

func (s *CachedStore) CancelBet(ctx context.Context, betID, userID string) (*model.Bet, *model.Account, error) {
	bet, acc, err := s.primary.CancelBet(ctx, betID, userID)
	if err != nil {
		return nil, nil, err
	}
	s.invalidateAccounts(ctx, userID)
	return bet, acc, nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, st *model.Settlement) error {
	if err := s.primary.ApplySettlement(ctx, st); err != nil {
		return err
	}
	users := make([]string, 0, len(st.Outcomes))
	for userID := range st.Credits() {
		users = append(users, userID)
	}
	s.invalidateAccounts(ctx, users...)
	s.cacheJSON(ctx, settlementKey(st.RaceID), st)
	return nil
}

func (s *CachedStore) ApplyVaultTransaction(ctx context.Context, vt *model.VaultTransaction) (*model.Account, error) {
	acc, err := s.primary.ApplyVaultTransaction(ctx, vt)
	if err != nil {
		return nil, err
	}
	s.invalidateAccounts(ctx, vt.UserID)
	return acc, nil
}

func (s *CachedStore) ConfirmVaultTransaction(ctx context.Context, signature string) (*model.VaultTransaction, error) {
	return s.primary.ConfirmVaultTransaction(ctx, signature)
}

func (s *CachedStore) ReleaseVaultTransaction(ctx context.Context, signature string) (*model.Account, error) {
	acc, err := s.primary.ReleaseVaultTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}
	s.invalidateAccounts(ctx, acc.UserID)
	return acc, nil
}

func (s *CachedStore) SaveRaceResult(ctx context.Context, res *model.RaceResult) error {
	if err := s.primary.SaveRaceResult(ctx, res); err != nil {
		return err
	}
	s.cacheJSON(ctx, raceResultKey(res.RaceID), res)
	return nil
}

// --- Read-through (check cache first) ---

type cachedAccount struct {
	Gen     int64         `json:"gen"`
	Account model.Account `json:"account"`
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	// The generation is read before the primary so a write that lands in
	// between leaves the entry behind the current generation.
	gen, ok := s.accountGen(ctx, userID)
	if !ok {
		return s.primary.GetAccount(ctx, userID)
	}
	var c cachedAccount
	if s.readJSON(ctx, accountKey(userID), &c) && c.Gen == gen {
		return &c.Account, nil
	}
	acc, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, accountKey(userID), cachedAccount{Gen: gen, Account: *acc})
	return acc, nil
}

func (s *CachedStore) GetSettlement(ctx context.Context, raceID string) (*model.Settlement, error) {
	var st model.Settlement
	if s.readJSON(ctx, settlementKey(raceID), &st) {
		return &st, nil
	}
	res, err := s.primary.GetSettlement(ctx, raceID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, settlementKey(raceID), res)
	return res, nil
}

func (s *CachedStore) GetRaceResult(ctx context.Context, raceID string) (*model.RaceResult, error) {
	var res model.RaceResult
	if s.readJSON(ctx, raceResultKey(raceID), &res) {
		return &res, nil
	}
	out, err := s.primary.GetRaceResult(ctx, raceID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, raceResultKey(raceID), out)
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetBet(ctx context.Context, betID string) (*model.Bet, error) {
	return s.primary.GetBet(ctx, betID)
}

func (s *CachedStore) ListRaceBets(ctx context.Context, raceID string) ([]model.Bet, error) {
	return s.primary.ListRaceBets(ctx, raceID)
}

func (s *CachedStore) ListUserBets(ctx context.Context, userID string, limit int) ([]model.Bet, error) {
	return s.primary.ListUserBets(ctx, userID, limit)
}

func (s *CachedStore) GetVaultTransaction(ctx context.Context, signature string) (*model.VaultTransaction, error) {
	return s.primary.GetVaultTransaction(ctx, signature)
}

func (s *CachedStore) ListVaultTransactions(ctx context.Context, userID string, limit int) ([]model.VaultTransaction, error) {
	return s.primary.ListVaultTransactions(ctx, userID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) readJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// accountGen returns the account's write generation. ok is false when Redis
// cannot answer, in which case the cache is bypassed.
func (s *CachedStore) accountGen(ctx context.Context, userID string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, accountGenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	return gen, err == nil
}

// invalidateAccounts bumps each account's generation, then drops its entry.
func (s *CachedStore) invalidateAccounts(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		s.rdb.Incr(ctx, accountGenKey(id))
		keys[i] = accountKey(id)
	}
	s.rdb.Del(ctx, keys...)
}

func accountKey(uid string) string    { return fmt.Sprintf("balance:%s", uid) }
func accountGenKey(uid string) string { return fmt.Sprintf("balance_gen:%s", uid) }
func settlementKey(id string) string { return fmt.Sprintf("settlement:%s", id) }
func raceResultKey(id string) string { return fmt.Sprintf("race_result:%s", id) }

// RedisRaceMirror publishes the live race snapshot so every instance behind a
// load balancer serves the same race state.
type RedisRaceMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

const currentRaceKey = "race:current"

func NewRedisRaceMirror(rdb *redis.Client, ttl time.Duration) *RedisRaceMirror {
	return &RedisRaceMirror{rdb: rdb, ttl: ttl}
}

// SaveRace overwrites the shared snapshot.
func (m *RedisRaceMirror) SaveRace(ctx context.Context, r *model.Race) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, currentRaceKey, data, m.ttl).Err()
}

// LoadRace returns the shared snapshot or ErrNotFound.
func (m *RedisRaceMirror) LoadRace(ctx context.Context) (*model.Race, error) {
	data, err := m.rdb.Get(ctx, currentRaceKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load race snapshot: %w", err)
	}
	var r model.Race
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("load race snapshot: %w", err)
	}
	return &r, nil
}
