package vault

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/race-engine/internal/model"
)

// UnsignedTx is handed to the user's wallet for signing.
type UnsignedTx struct {
	// Transaction is the base64 wire encoding with zeroed signature slots.
	Transaction string          `json:"transaction"`
	Vault       string          `json:"vault"`
	Blockhash   string          `json:"blockhash"`
	Kind        model.VaultKind `json:"kind"`
	Amount      uint64          `json:"amount"`
}

// BuildTransaction assembles a single vault instruction paid for by user.
func BuildTransaction(programID, user solana.PublicKey, kind model.VaultKind, amount uint64, blockhash solana.Hash) (*solana.Transaction, solana.PublicKey, error) {
	vault, err := DeriveVault(programID, user)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	data, err := EncodeInstruction(kind, amount)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	ix := solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(user, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data)

	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash, solana.TransactionPayer(user))
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("build transaction: %w", err)
	}
	return tx, vault, nil
}

func encodeUnsigned(tx *solana.Transaction) (string, error) {
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (s *Service) build(ctx context.Context, kind model.VaultKind, userAddress string, amount uint64) (*UnsignedTx, error) {
	user, err := parseUser(userAddress)
	if err != nil {
		return nil, err
	}
	if err := s.checkAmount(amount); err != nil {
		return nil, err
	}
	chain, err := s.requireChain()
	if err != nil {
		return nil, err
	}
	blockhash, err := chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, vault, err := BuildTransaction(s.programID, user, kind, amount, blockhash)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeUnsigned(tx)
	if err != nil {
		return nil, err
	}
	return &UnsignedTx{
		Transaction: encoded,
		Vault:       vault.String(),
		Blockhash:   blockhash.String(),
		Kind:        kind,
		Amount:      amount,
	}, nil
}
