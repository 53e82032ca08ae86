package vault

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/atmx/race-engine/internal/apperrors"
	"github.com/atmx/race-engine/internal/metrics"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/store"
)

// Ledger applies vault transactions to balances. A withdrawal is held with
// a pending ApplyVault before submission, then confirmed or released.
type Ledger interface {
	ApplyVault(ctx context.Context, vt *model.VaultTransaction) (*model.Account, error)
	ConfirmVault(ctx context.Context, userID, signature string) (*model.VaultTransaction, error)
	ReleaseVault(ctx context.Context, userID, signature string) (*model.Account, error)
	Balance(ctx context.Context, userID string) (*model.Account, error)
}

// holdExpiry is how old a pending withdrawal must be before another request
// with the same signature may take it over. It outlasts any single request.
const holdExpiry = 5 * time.Minute

// Records looks up recorded vault transactions.
type Records interface {
	GetVaultTransaction(ctx context.Context, signature string) (*model.VaultTransaction, error)
	ListVaultTransactions(ctx context.Context, userID string, limit int) ([]model.VaultTransaction, error)
}

// Receipt is the outcome of processing a signed transaction.
type Receipt struct {
	Transaction model.VaultTransaction `json:"transaction"`
	Balance     uint64                 `json:"balance"`
	// Replayed is true when the signature had already been applied.
	Replayed bool `json:"replayed"`
}

// Service builds vault transactions and applies signed ones to the ledger.
// The user id is the user's wallet address.
type Service struct {
	programID solana.PublicKey
	chain     Chain
	verifier  *Verifier
	ledger    Ledger
	records   Records
	log       *slog.Logger
}

// NewService wires the vault. A nil chain makes every operation answer
// CHAIN_UNAVAILABLE.
func NewService(programID solana.PublicKey, chain Chain, ledger Ledger, records Records, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		programID: programID,
		chain:     chain,
		verifier:  NewVerifier(programID),
		ledger:    ledger,
		records:   records,
		log:       log.With("component", "vault"),
	}
}

func (s *Service) ProgramID() solana.PublicKey { return s.programID }

// Authoritative reports whether applied transactions were confirmed on a real
// chain.
func (s *Service) Authoritative() bool {
	return s.chain != nil && s.chain.Authoritative()
}

func (s *Service) BuildDeposit(ctx context.Context, userAddress string, amount uint64) (*UnsignedTx, error) {
	return s.build(ctx, model.VaultDeposit, userAddress, amount)
}

func (s *Service) BuildWithdraw(ctx context.Context, userAddress string, amount uint64) (*UnsignedTx, error) {
	return s.build(ctx, model.VaultWithdraw, userAddress, amount)
}

// ProcessDeposit verifies, submits and applies a signed deposit.
func (s *Service) ProcessDeposit(ctx context.Context, userID, signedTx string, claimed uint64) (*Receipt, error) {
	return s.process(ctx, model.VaultDeposit, userID, signedTx, claimed)
}

// ProcessWithdraw verifies, submits and applies a signed withdrawal. The
// amount is held off the balance before anything is submitted, so neither a
// second withdrawal nor a bet can spend it while the chain confirms.
func (s *Service) ProcessWithdraw(ctx context.Context, userID, signedTx string, claimed uint64) (*Receipt, error) {
	return s.process(ctx, model.VaultWithdraw, userID, signedTx, claimed)
}

// History lists the user's vault transactions, newest first. A withdrawal
// still being confirmed shows as pending.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]model.VaultTransaction, error) {
	txs, err := s.records.ListVaultTransactions(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return txs, nil
}

func (s *Service) process(ctx context.Context, kind model.VaultKind, userID, signedTx string, claimed uint64) (*Receipt, error) {
	receipt, err := s.processOnce(ctx, kind, userID, signedTx, claimed)
	result := "applied"
	switch {
	case err != nil:
		result = string(apperrors.Wrap(err).Type)
		s.logFailure(kind, userID, err)
	case receipt.Replayed:
		result = "replayed"
	}
	metrics.VaultTransactions.WithLabelValues(string(kind), result).Inc()
	return receipt, err
}

func (s *Service) processOnce(ctx context.Context, kind model.VaultKind, userID, signedTx string, claimed uint64) (*Receipt, error) {
	user, err := parseUser(userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAmount(claimed); err != nil {
		return nil, err
	}

	v, err := s.verifier.Verify(signedTx, kind, claimed, user)
	if err != nil {
		return nil, err
	}
	sig := v.Signature.String()

	if prior, err := s.records.GetVaultTransaction(ctx, sig); err == nil {
		return s.existing(ctx, prior, v, userID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.Wrap(err)
	}

	chain, err := s.requireChain()
	if err != nil {
		return nil, err
	}

	vt := &model.VaultTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          kind,
		Amount:        v.Amount,
		Signature:     sig,
		Status:        model.VaultApplied,
		Authoritative: chain.Authoritative(),
		CreatedAt:     time.Now().UTC(),
	}
	if kind == model.VaultWithdraw {
		vt.Status = model.VaultPending
		if _, err := s.ledger.ApplyVault(ctx, vt); err != nil {
			if errors.Is(err, store.ErrDuplicateSignature) {
				return s.reload(ctx, v, userID)
			}
			return nil, err
		}
		return s.completeHold(ctx, chain, v, vt)
	}

	if err := s.submit(ctx, chain, v, kind); err != nil {
		return nil, err
	}
	acc, err := s.ledger.ApplyVault(ctx, vt)
	if errors.Is(err, store.ErrDuplicateSignature) {
		return s.reload(ctx, v, userID)
	}
	if err != nil {
		// Confirmed on chain but not applied. The signature is the key for a
		// retry, which will find the transaction already confirmed.
		s.log.Error("confirmed vault transaction not applied",
			"signature", sig,
			"user_id", userID,
			"kind", kind,
			"amount", v.Amount,
			"error", err,
		)
		return nil, err
	}
	s.logApplied(vt, acc.Balance)
	return &Receipt{Transaction: *vt, Balance: acc.Balance}, nil
}

func (s *Service) submit(ctx context.Context, chain Chain, v *Verified, kind model.VaultKind) error {
	began := time.Now()
	if err := chain.SubmitAndConfirm(ctx, v.Raw, v.Signature); err != nil {
		return err
	}
	metrics.ChainLatency.WithLabelValues(string(kind)).Observe(time.Since(began).Seconds())
	return nil
}

// completeHold submits a held withdrawal and resolves the hold: confirmed
// on success, refunded when the chain rejects it or times out.
func (s *Service) completeHold(ctx context.Context, chain Chain, v *Verified, vt *model.VaultTransaction) (*Receipt, error) {
	if err := s.submit(ctx, chain, v, vt.Kind); err != nil {
		// The caller's context may be what failed.
		acc, relErr := s.ledger.ReleaseVault(context.WithoutCancel(ctx), vt.UserID, vt.Signature)
		if relErr != nil && !errors.Is(relErr, store.ErrNotFound) {
			s.log.Error("withdrawal hold not released",
				"signature", vt.Signature,
				"user_id", vt.UserID,
				"amount", vt.Amount,
				"error", relErr,
			)
		} else if relErr == nil {
			s.log.Info("withdrawal hold released",
				"signature", vt.Signature,
				"user_id", vt.UserID,
				"amount", vt.Amount,
				"balance", acc.Balance,
			)
		}
		return nil, err
	}

	confirmed, err := s.ledger.ConfirmVault(context.WithoutCancel(ctx), vt.UserID, vt.Signature)
	if err != nil {
		s.log.Error("confirmed withdrawal hold not finalized",
			"signature", vt.Signature,
			"user_id", vt.UserID,
			"amount", vt.Amount,
			"error", err,
		)
		return nil, apperrors.Wrap(err)
	}
	acc, err := s.ledger.Balance(ctx, vt.UserID)
	if err != nil {
		return nil, err
	}
	s.logApplied(confirmed, acc.Balance)
	return &Receipt{Transaction: *confirmed, Balance: acc.Balance}, nil
}

// reload answers a signature that another request recorded first.
func (s *Service) reload(ctx context.Context, v *Verified, userID string) (*Receipt, error) {
	prior, err := s.records.GetVaultTransaction(ctx, v.Signature.String())
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return s.existing(ctx, prior, v, userID)
}

// existing handles a signature that is already recorded. Applied ones are
// replayed. A pending hold belongs to the request that placed it until it
// expires; after that the hold is completed here.
func (s *Service) existing(ctx context.Context, prior *model.VaultTransaction, v *Verified, userID string) (*Receipt, error) {
	if prior.Status != model.VaultPending {
		return s.replay(ctx, prior, userID)
	}
	if prior.UserID != userID {
		return nil, apperrors.Forbidden("transaction was submitted for another user")
	}
	if time.Since(prior.CreatedAt) < holdExpiry {
		return nil, apperrors.New(apperrors.ErrChainUnavailable, "transaction is still being confirmed", nil).
			With("signature", prior.Signature)
	}
	chain, err := s.requireChain()
	if err != nil {
		return nil, err
	}
	s.log.Warn("taking over expired withdrawal hold", "signature", prior.Signature, "user_id", userID)
	return s.completeHold(ctx, chain, v, prior)
}

func (s *Service) logApplied(vt *model.VaultTransaction, balance uint64) {
	attrs := []any{
		"signature", vt.Signature,
		"user_id", vt.UserID,
		"kind", vt.Kind,
		"amount", vt.Amount,
		"balance", balance,
		"authoritative", vt.Authoritative,
	}
	if vt.Authoritative {
		s.log.Info("vault transaction applied", attrs...)
	} else {
		s.log.Warn("vault transaction applied without chain confirmation", attrs...)
	}
}

func (s *Service) replay(ctx context.Context, prior *model.VaultTransaction, userID string) (*Receipt, error) {
	if prior.UserID != userID {
		return nil, apperrors.Forbidden("transaction was applied for another user")
	}
	acc, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.log.Info("vault transaction already applied", "signature", prior.Signature, "user_id", userID)
	return &Receipt{Transaction: *prior, Balance: acc.Balance, Replayed: true}, nil
}

func (s *Service) requireChain() (Chain, error) {
	if s.chain == nil {
		return nil, apperrors.ChainUnavailable(errors.New("no chain configured"))
	}
	return s.chain, nil
}

func (s *Service) checkAmount(amount uint64) error {
	if amount == 0 {
		return apperrors.Validation("amount must be positive")
	}
	return nil
}

func (s *Service) logFailure(kind model.VaultKind, userID string, err error) {
	appErr := apperrors.Wrap(err)
	attrs := []any{"user_id", userID, "kind", kind, "code", appErr.Type, "error", err}
	if check, ok := appErr.Details["check"]; ok {
		attrs = append(attrs, "check", check)
	}
	if appErr.HTTPStatus >= 500 {
		s.log.Error("vault transaction failed", attrs...)
		return
	}
	s.log.Warn("vault transaction rejected", attrs...)
}

func parseUser(address string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, apperrors.Validation("user is not a valid wallet address").With("user", address)
	}
	return pk, nil
}
