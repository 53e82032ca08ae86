package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/race-engine/internal/lamports"
	"github.com/atmx/race-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Lamport amounts are NUMERIC(20,0) so the full uint64 range fits; they are
// passed in and read back as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	balance    NUMERIC(20,0) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS bets (
	id            TEXT PRIMARY KEY,
	race_id       TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	competitor_id INTEGER NOT NULL,
	amount        NUMERIC(20,0) NOT NULL CHECK (amount > 0),
	payout        NUMERIC(20,0) NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	settled_at    TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS bets_one_active_per_race ON bets (race_id, user_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS bets_race ON bets (race_id, created_at);
CREATE INDEX IF NOT EXISTS bets_user ON bets (user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS settlements (
	race_id       TEXT PRIMARY KEY,
	winner        INTEGER NOT NULL,
	total_pot     NUMERIC(20,0) NOT NULL,
	winner_pool   NUMERIC(20,0) NOT NULL,
	rakeback_pool NUMERIC(20,0) NOT NULL,
	house_edge    NUMERIC(20,0) NOT NULL,
	outcomes      JSONB NOT NULL,
	settled_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS vault_transactions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	amount        NUMERIC(20,0) NOT NULL,
	signature     TEXT NOT NULL UNIQUE,
	status        TEXT NOT NULL,
	authoritative BOOLEAN NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS vault_transactions_user ON vault_transactions (user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS race_results (
	race_id          TEXT PRIMARY KEY,
	seed             TEXT NOT NULL,
	seed_hash        TEXT NOT NULL,
	ticks            BIGINT NOT NULL,
	winner           INTEGER NOT NULL,
	ranking          JSONB NOT NULL,
	roster           JSONB NOT NULL,
	track_length     DOUBLE PRECISION NOT NULL,
	duration_ns      BIGINT NOT NULL,
	tick_interval_ns BIGINT NOT NULL,
	start_time       TIMESTAMPTZ NOT NULL,
	end_time         TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a := model.Account{UserID: userID}
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, updated_at FROM accounts WHERE user_id = $1`, userID).
		Scan(&balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	if a.Balance, err = lamports.ParseUint(balance); err != nil {
		return nil, err
	}
	return &a, nil
}

// lockAccount creates the account row if needed and locks it for the rest of
// the transaction.
func lockAccount(ctx context.Context, tx pgx.Tx, userID string) (uint64, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return 0, err
	}
	var balance string
	if err := tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&balance); err != nil {
		return 0, err
	}
	return lamports.ParseUint(balance)
}

// adjustBalance adds delta (or subtracts when debit is true) and returns the
// new account state. The CHECK constraint backs the caller's balance test.
func adjustBalance(ctx context.Context, tx pgx.Tx, userID string, amount uint64, debit bool) (*model.Account, error) {
	op := "+"
	if debit {
		op = "-"
	}
	a := model.Account{UserID: userID}
	var balance string
	err := tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance `+op+` $2::NUMERIC, updated_at = now()
		 WHERE user_id = $1
		 RETURNING balance::TEXT, updated_at`,
		userID, lamports.String(amount)).
		Scan(&balance, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if a.Balance, err = lamports.ParseUint(balance); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) PlaceBet(ctx context.Context, bet *model.Bet) (*model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balance, err := lockAccount(ctx, tx, bet.UserID)
	if err != nil {
		return nil, fmt.Errorf("place bet: lock account: %w", err)
	}

	var active string
	err = tx.QueryRow(ctx,
		`SELECT id FROM bets WHERE race_id = $1 AND user_id = $2 AND status = 'pending'`,
		bet.RaceID, bet.UserID).Scan(&active)
	switch {
	case err == nil:
		return nil, &DuplicateBetError{BetID: active}
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("place bet: check active: %w", err)
	}

	if balance < bet.Amount {
		return nil, &InsufficientBalanceError{Balance: balance, Required: bet.Amount}
	}

	acc, err := adjustBalance(ctx, tx, bet.UserID, bet.Amount, true)
	if err != nil {
		return nil, fmt.Errorf("place bet: debit: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO bets (id, race_id, user_id, competitor_id, amount, payout, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, 0, $6, $7)`,
		bet.ID, bet.RaceID, bet.UserID, bet.CompetitorID,
		lamports.String(bet.Amount), string(bet.Status), bet.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateBet
	}
	if err != nil {
		return nil, fmt.Errorf("place bet: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *PostgresStore) CancelBet(ctx context.Context, betID, userID string) (*model.Bet, *model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockAccount(ctx, tx, userID); err != nil {
		return nil, nil, fmt.Errorf("cancel bet: lock account: %w", err)
	}

	b, err := scanBet(tx.QueryRow(ctx, betColumns+` FROM bets WHERE id = $1 FOR UPDATE`, betID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("cancel bet %s: %w", betID, err)
	}
	if b.UserID != userID {
		return nil, nil, ErrNotFound
	}
	if b.Status != model.BetPending {
		return nil, nil, ErrBetNotPending
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE bets SET status = $2, settled_at = $3 WHERE id = $1`,
		betID, string(model.BetCancelled), now); err != nil {
		return nil, nil, fmt.Errorf("cancel bet %s: %w", betID, err)
	}
	acc, err := adjustBalance(ctx, tx, userID, b.Amount, false)
	if err != nil {
		return nil, nil, fmt.Errorf("cancel bet %s: refund: %w", betID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	b.Status = model.BetCancelled
	b.SettledAt = &now
	return b, acc, nil
}

const betColumns = `SELECT id, race_id, user_id, competitor_id, amount::TEXT, payout::TEXT, status, created_at, settled_at`

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var amount, payout, status string
	if err := row.Scan(&b.ID, &b.RaceID, &b.UserID, &b.CompetitorID,
		&amount, &payout, &status, &b.CreatedAt, &b.SettledAt); err != nil {
		return nil, err
	}
	var err error
	if b.Amount, err = lamports.ParseUint(amount); err != nil {
		return nil, err
	}
	if b.Payout, err = lamports.ParseUint(payout); err != nil {
		return nil, err
	}
	b.Status = model.BetStatus(status)
	return &b, nil
}

func (s *PostgresStore) queryBets(ctx context.Context, query string, args ...any) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) GetBet(ctx context.Context, betID string) (*model.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx, betColumns+` FROM bets WHERE id = $1`, betID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", betID, err)
	}
	return b, nil
}

func (s *PostgresStore) ListRaceBets(ctx context.Context, raceID string) ([]model.Bet, error) {
	return s.queryBets(ctx, betColumns+` FROM bets WHERE race_id = $1 ORDER BY created_at, id`, raceID)
}

func (s *PostgresStore) ListUserBets(ctx context.Context, userID string, limit int) ([]model.Bet, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryBets(ctx,
		betColumns+` FROM bets WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
}

func (s *PostgresStore) ApplySettlement(ctx context.Context, st *model.Settlement) error {
	outcomes, err := json.Marshal(st.Outcomes)
	if err != nil {
		return fmt.Errorf("apply settlement: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO settlements (race_id, winner, total_pot, winner_pool, rakeback_pool, house_edge, outcomes, settled_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (race_id) DO NOTHING`,
		st.RaceID, st.Winner,
		lamports.String(st.TotalPot), lamports.String(st.WinnerPool),
		lamports.String(st.RakebackPool), lamports.String(st.HouseEdge),
		outcomes, st.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("apply settlement %s: %w", st.RaceID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySettled
	}

	for _, o := range st.Outcomes {
		tag, err := tx.Exec(ctx,
			`UPDATE bets SET status = $2, payout = $3::NUMERIC, settled_at = $4
			 WHERE id = $1 AND race_id = $5 AND status = 'pending'`,
			o.BetID, string(o.Status), lamports.String(o.Payout), st.SettledAt, st.RaceID)
		if err != nil {
			return fmt.Errorf("apply settlement %s: bet %s: %w", st.RaceID, o.BetID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("apply settlement %s: bet %s: %w", st.RaceID, o.BetID, ErrBetNotPending)
		}
	}

	// Fixed lock order keeps concurrent settlements from deadlocking.
	credits := st.Credits()
	users := make([]string, 0, len(credits))
	for userID := range credits {
		users = append(users, userID)
	}
	sort.Strings(users)
	for _, userID := range users {
		credit := credits[userID]
		if _, err := lockAccount(ctx, tx, userID); err != nil {
			return fmt.Errorf("apply settlement %s: lock %s: %w", st.RaceID, userID, err)
		}
		if _, err := adjustBalance(ctx, tx, userID, credit, false); err != nil {
			return fmt.Errorf("apply settlement %s: credit %s: %w", st.RaceID, userID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, raceID string) (*model.Settlement, error) {
	st := model.Settlement{RaceID: raceID}
	var pot, winnerPool, rakeback, house string
	var outcomes []byte
	err := s.pool.QueryRow(ctx,
		`SELECT winner, total_pot::TEXT, winner_pool::TEXT, rakeback_pool::TEXT, house_edge::TEXT, outcomes, settled_at
		 FROM settlements WHERE race_id = $1`, raceID).
		Scan(&st.Winner, &pot, &winnerPool, &rakeback, &house, &outcomes, &st.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", raceID, err)
	}
	for _, f := range []struct {
		dst *uint64
		src string
	}{{&st.TotalPot, pot}, {&st.WinnerPool, winnerPool}, {&st.RakebackPool, rakeback}, {&st.HouseEdge, house}} {
		if *f.dst, err = lamports.ParseUint(f.src); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(outcomes, &st.Outcomes); err != nil {
		return nil, fmt.Errorf("get settlement %s: outcomes: %w", raceID, err)
	}
	return &st, nil
}

func (s *PostgresStore) ApplyVaultTransaction(ctx context.Context, vt *model.VaultTransaction) (*model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO vault_transactions (id, user_id, kind, amount, signature, status, authoritative, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)
		 ON CONFLICT (signature) DO NOTHING`,
		vt.ID, vt.UserID, string(vt.Kind), lamports.String(vt.Amount),
		vt.Signature, string(vt.Status), vt.Authoritative, vt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("apply vault tx %s: %w", vt.Signature, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrDuplicateSignature
	}

	balance, err := lockAccount(ctx, tx, vt.UserID)
	if err != nil {
		return nil, fmt.Errorf("apply vault tx %s: lock account: %w", vt.Signature, err)
	}
	debit := vt.Kind == model.VaultWithdraw
	if debit && balance < vt.Amount {
		return nil, &InsufficientBalanceError{Balance: balance, Required: vt.Amount}
	}
	acc, err := adjustBalance(ctx, tx, vt.UserID, vt.Amount, debit)
	if err != nil {
		return nil, fmt.Errorf("apply vault tx %s: %w", vt.Signature, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *PostgresStore) ConfirmVaultTransaction(ctx context.Context, signature string) (*model.VaultTransaction, error) {
	vt, err := scanVault(s.pool.QueryRow(ctx,
		`UPDATE vault_transactions SET status = $2
		 WHERE signature = $1 AND status = $3
		 RETURNING id, user_id, kind, amount::TEXT, signature, status, authoritative, created_at`,
		signature, string(model.VaultApplied), string(model.VaultPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("confirm vault tx %s: %w", signature, err)
	}
	return vt, nil
}

func (s *PostgresStore) ReleaseVaultTransaction(ctx context.Context, signature string) (*model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	vt, err := scanVault(tx.QueryRow(ctx,
		`DELETE FROM vault_transactions
		 WHERE signature = $1 AND status = $2
		 RETURNING id, user_id, kind, amount::TEXT, signature, status, authoritative, created_at`,
		signature, string(model.VaultPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("release vault tx %s: %w", signature, err)
	}

	if _, err := lockAccount(ctx, tx, vt.UserID); err != nil {
		return nil, fmt.Errorf("release vault tx %s: lock account: %w", signature, err)
	}
	var refund uint64
	if vt.Kind == model.VaultWithdraw {
		refund = vt.Amount
	}
	acc, err := adjustBalance(ctx, tx, vt.UserID, refund, false)
	if err != nil {
		return nil, fmt.Errorf("release vault tx %s: %w", signature, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acc, nil
}

const vaultColumns = `SELECT id, user_id, kind, amount::TEXT, signature, status, authoritative, created_at`

func scanVault(row pgx.Row) (*model.VaultTransaction, error) {
	var vt model.VaultTransaction
	var kind, amount, status string
	if err := row.Scan(&vt.ID, &vt.UserID, &kind, &amount, &vt.Signature,
		&status, &vt.Authoritative, &vt.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if vt.Amount, err = lamports.ParseUint(amount); err != nil {
		return nil, err
	}
	vt.Kind = model.VaultKind(kind)
	vt.Status = model.VaultStatus(status)
	return &vt, nil
}

func (s *PostgresStore) GetVaultTransaction(ctx context.Context, signature string) (*model.VaultTransaction, error) {
	vt, err := scanVault(s.pool.QueryRow(ctx, vaultColumns+` FROM vault_transactions WHERE signature = $1`, signature))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vault tx %s: %w", signature, err)
	}
	return vt, nil
}

func (s *PostgresStore) ListVaultTransactions(ctx context.Context, userID string, limit int) ([]model.VaultTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		vaultColumns+` FROM vault_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.VaultTransaction
	for rows.Next() {
		vt, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *vt)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveRaceResult(ctx context.Context, res *model.RaceResult) error {
	ranking, err := json.Marshal(res.Ranking)
	if err != nil {
		return err
	}
	roster, err := json.Marshal(res.Roster)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO race_results (race_id, seed, seed_hash, ticks, winner, ranking, roster,
		                           track_length, duration_ns, tick_interval_ns, start_time, end_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (race_id) DO NOTHING`,
		res.RaceID, res.Seed, res.SeedHash, int64(res.Ticks), res.Winner, ranking, roster,
		res.TrackLength, int64(res.Duration), int64(res.Interval), res.StartTime, res.EndTime)
	if err != nil {
		return fmt.Errorf("save race result %s: %w", res.RaceID, err)
	}
	return nil
}

func (s *PostgresStore) GetRaceResult(ctx context.Context, raceID string) (*model.RaceResult, error) {
	res := model.RaceResult{RaceID: raceID}
	var ticks, duration, interval int64
	var ranking, roster []byte
	err := s.pool.QueryRow(ctx,
		`SELECT seed, seed_hash, ticks, winner, ranking, roster, track_length,
		        duration_ns, tick_interval_ns, start_time, end_time
		 FROM race_results WHERE race_id = $1`, raceID).
		Scan(&res.Seed, &res.SeedHash, &ticks, &res.Winner, &ranking, &roster,
			&res.TrackLength, &duration, &interval, &res.StartTime, &res.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get race result %s: %w", raceID, err)
	}
	res.Ticks = uint64(ticks)
	res.Duration = time.Duration(duration)
	res.Interval = time.Duration(interval)
	if err := json.Unmarshal(ranking, &res.Ranking); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(roster, &res.Roster); err != nil {
		return nil, err
	}
	return &res, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
