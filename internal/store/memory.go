package store

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/race-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps behind a single mutex,
// which makes every operation trivially atomic. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	bets        map[string]*model.Bet
	betOrder    []string
	settlements map[string]*model.Settlement
	vault       map[string]*model.VaultTransaction // by signature
	vaultOrder  []string
	results     map[string]*model.RaceResult
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		bets:        make(map[string]*model.Bet),
		settlements: make(map[string]*model.Settlement),
		vault:       make(map[string]*model.VaultTransaction),
		results:     make(map[string]*model.RaceResult),
	}
}

// SetBalance overwrites a balance directly. Test and demo seeding only.
func (s *MemoryStore) SetBalance(userID string, balance uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account(userID).Balance = balance
}

// account returns the mutable account, creating it at zero. Caller holds mu.
func (s *MemoryStore) account(userID string) *model.Account {
	a, ok := s.accounts[userID]
	if !ok {
		a = &model.Account{UserID: userID, UpdatedAt: time.Now().UTC()}
		s.accounts[userID] = a
	}
	return a
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[userID]; ok {
		cp := *a
		return &cp, nil
	}
	return &model.Account{UserID: userID}, nil
}

func (s *MemoryStore) PlaceBet(_ context.Context, bet *model.Bet) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.betOrder {
		b := s.bets[id]
		if b.RaceID == bet.RaceID && b.UserID == bet.UserID && b.Status == model.BetPending {
			return nil, &DuplicateBetError{BetID: b.ID}
		}
	}

	a := s.account(bet.UserID)
	if a.Balance < bet.Amount {
		return nil, &InsufficientBalanceError{Balance: a.Balance, Required: bet.Amount}
	}
	a.Balance -= bet.Amount
	a.UpdatedAt = time.Now().UTC()

	cp := *bet
	s.bets[bet.ID] = &cp
	s.betOrder = append(s.betOrder, bet.ID)

	acc := *a
	return &acc, nil
}

func (s *MemoryStore) CancelBet(_ context.Context, betID, userID string) (*model.Bet, *model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok || b.UserID != userID {
		return nil, nil, ErrNotFound
	}
	if b.Status != model.BetPending {
		return nil, nil, ErrBetNotPending
	}

	now := time.Now().UTC()
	b.Status = model.BetCancelled
	b.SettledAt = &now

	a := s.account(userID)
	a.Balance += b.Amount
	a.UpdatedAt = now

	bet, acc := *b, *a
	return &bet, &acc, nil
}

func (s *MemoryStore) GetBet(_ context.Context, betID string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[betID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListRaceBets(_ context.Context, raceID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bet
	for _, id := range s.betOrder {
		if b := s.bets[id]; b.RaceID == raceID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUserBets(_ context.Context, userID string, limit int) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bet
	for i := len(s.betOrder) - 1; i >= 0; i-- {
		b := s.bets[s.betOrder[i]]
		if b.UserID != userID {
			continue
		}
		out = append(out, *b)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[st.RaceID]; ok {
		return ErrAlreadySettled
	}

	// Validate every transition before mutating anything.
	for _, o := range st.Outcomes {
		b, ok := s.bets[o.BetID]
		if !ok || b.RaceID != st.RaceID {
			return ErrNotFound
		}
		if b.Status != model.BetPending {
			return ErrBetNotPending
		}
	}

	for _, o := range st.Outcomes {
		b := s.bets[o.BetID]
		settledAt := st.SettledAt
		b.Status = o.Status
		b.Payout = o.Payout
		b.SettledAt = &settledAt
	}
	for userID, credit := range st.Credits() {
		a := s.account(userID)
		a.Balance += credit
		a.UpdatedAt = st.SettledAt
	}

	cp := *st
	cp.Outcomes = append([]model.BetOutcome(nil), st.Outcomes...)
	s.settlements[st.RaceID] = &cp
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, raceID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[raceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	cp.Outcomes = append([]model.BetOutcome(nil), st.Outcomes...)
	return &cp, nil
}

func (s *MemoryStore) ApplyVaultTransaction(_ context.Context, vt *model.VaultTransaction) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vault[vt.Signature]; ok {
		return nil, ErrDuplicateSignature
	}

	a := s.account(vt.UserID)
	switch vt.Kind {
	case model.VaultDeposit:
		a.Balance += vt.Amount
	case model.VaultWithdraw:
		if a.Balance < vt.Amount {
			return nil, &InsufficientBalanceError{Balance: a.Balance, Required: vt.Amount}
		}
		a.Balance -= vt.Amount
	}
	a.UpdatedAt = time.Now().UTC()

	cp := *vt
	s.vault[vt.Signature] = &cp
	s.vaultOrder = append(s.vaultOrder, vt.Signature)

	acc := *a
	return &acc, nil
}

func (s *MemoryStore) ConfirmVaultTransaction(_ context.Context, signature string) (*model.VaultTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vt, ok := s.vault[signature]
	if !ok || vt.Status != model.VaultPending {
		return nil, ErrNotFound
	}
	vt.Status = model.VaultApplied
	cp := *vt
	return &cp, nil
}

func (s *MemoryStore) ReleaseVaultTransaction(_ context.Context, signature string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vt, ok := s.vault[signature]
	if !ok || vt.Status != model.VaultPending {
		return nil, ErrNotFound
	}
	a := s.account(vt.UserID)
	if vt.Kind == model.VaultWithdraw {
		a.Balance += vt.Amount
	}
	a.UpdatedAt = time.Now().UTC()

	delete(s.vault, signature)
	for i, sig := range s.vaultOrder {
		if sig == signature {
			s.vaultOrder = append(s.vaultOrder[:i], s.vaultOrder[i+1:]...)
			break
		}
	}

	acc := *a
	return &acc, nil
}

func (s *MemoryStore) GetVaultTransaction(_ context.Context, signature string) (*model.VaultTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vt, ok := s.vault[signature]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *vt
	return &cp, nil
}

func (s *MemoryStore) ListVaultTransactions(_ context.Context, userID string, limit int) ([]model.VaultTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.VaultTransaction
	for i := len(s.vaultOrder) - 1; i >= 0; i-- {
		vt := s.vault[s.vaultOrder[i]]
		if vt.UserID != userID {
			continue
		}
		out = append(out, *vt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveRaceResult(_ context.Context, res *model.RaceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *res
	s.results[res.RaceID] = &cp
	return nil
}

func (s *MemoryStore) GetRaceResult(_ context.Context, raceID string) (*model.RaceResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.results[raceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *res
	return &cp, nil
}
