package vault

import (
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/atmx/race-engine/internal/apperrors"
	"github.com/atmx/race-engine/internal/model"
)

// Names of the individual checks, reported in VERIFICATION_FAILURE details.
const (
	CheckDecode         = "decode"
	CheckSignatures     = "signatures"
	CheckSigner         = "signer"
	CheckInstructions   = "instruction_count"
	CheckProgram        = "program_id"
	CheckAccounts       = "accounts"
	CheckDiscriminator  = "discriminator"
	CheckAmount         = "amount"
	CheckSignatureValid = "signature_valid"
	CheckClaimedAmount  = "claimed_amount"
	CheckChain          = "chain"
)

// Verified is a transaction that passed every offline check. Amount is the
// value encoded in the signed instruction, not the caller's claim.
type Verified struct {
	Signature solana.Signature
	Kind      model.VaultKind
	Amount    uint64
	User      solana.PublicKey
	Vault     solana.PublicKey
	Raw       []byte
}

// Verifier runs the structural checks on a signed vault transaction. It does
// no I/O.
type Verifier struct {
	programID solana.PublicKey
}

func NewVerifier(programID solana.PublicKey) *Verifier {
	return &Verifier{programID: programID}
}

// Verify decodes a base64 transaction and checks, in order: at least one
// signature, the user among the signers, a single instruction aimed at the
// vault program, the exact account list, the operation, the encoded amount,
// every required signature, and finally the caller's claimed amount. The
// first failing check is returned as a VERIFICATION_FAILURE.
func (v *Verifier) Verify(encoded string, kind model.VaultKind, claimed uint64, user solana.PublicKey) (*Verified, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fail(CheckDecode, "transaction is not valid base64")
	}
	dec := bin.NewBinDecoder(raw)
	tx, err := solana.TransactionFromDecoder(dec)
	if err != nil {
		return nil, fail(CheckDecode, "transaction could not be decoded")
	}
	if dec.Remaining() > 0 {
		return nil, fail(CheckDecode, "trailing bytes after transaction")
	}

	if len(tx.Signatures) == 0 {
		return nil, fail(CheckSignatures, "transaction carries no signatures")
	}

	msg := tx.Message
	if len(msg.AddressTableLookups) > 0 {
		return nil, fail(CheckAccounts, "address lookup tables are not accepted")
	}
	keys := msg.AccountKeys
	numSigners := int(msg.Header.NumRequiredSignatures)
	if numSigners > len(keys) {
		return nil, fail(CheckDecode, "header declares more signers than accounts")
	}
	if !containsKey(keys[:numSigners], user) {
		return nil, fail(CheckSigner, "user is not a signer of the transaction")
	}

	if len(msg.Instructions) != 1 {
		return nil, fail(CheckInstructions, fmt.Sprintf("expected exactly one instruction, got %d", len(msg.Instructions)))
	}
	ix := msg.Instructions[0]

	if int(ix.ProgramIDIndex) >= len(keys) || !keys[ix.ProgramIDIndex].Equals(v.programID) {
		return nil, fail(CheckProgram, "instruction does not target the vault program")
	}

	vault, err := DeriveVault(v.programID, user)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	if err := checkAccounts(msg, ix.Accounts, vault, user); err != nil {
		return nil, err
	}

	decodedKind, amount, err := DecodeInstruction(ix.Data)
	switch {
	case errors.Is(err, ErrDataLength):
		return nil, fail(CheckAmount, "instruction data has the wrong length")
	case err != nil:
		return nil, fail(CheckDiscriminator, "instruction is not a vault operation")
	case decodedKind != kind:
		return nil, fail(CheckDiscriminator, fmt.Sprintf("instruction is a %s, expected %s", decodedKind, kind)).
			With("decoded", string(decodedKind))
	}
	if amount == 0 {
		return nil, fail(CheckAmount, "instruction amount is zero")
	}

	if err := tx.VerifySignatures(); err != nil {
		return nil, fail(CheckSignatureValid, "transaction signatures do not verify")
	}

	if amount != claimed {
		return nil, fail(CheckClaimedAmount, "claimed amount does not match the signed instruction").
			With("claimed", claimed).
			With("signed", amount)
	}

	return &Verified{
		Signature: tx.Signatures[0],
		Kind:      kind,
		Amount:    amount,
		User:      user,
		Vault:     vault,
		Raw:       raw,
	}, nil
}

// checkAccounts requires [vault (writable), user (writable, signer), system
// program] in that order.
func checkAccounts(msg solana.Message, indexes []uint16, vault, user solana.PublicKey) error {
	if len(indexes) != accountCount {
		return fail(CheckAccounts, fmt.Sprintf("expected %d accounts, got %d", accountCount, len(indexes)))
	}
	want := []struct {
		key      solana.PublicKey
		writable bool
		signer   bool
		name     string
	}{
		{vault, true, false, "vault"},
		{user, true, true, "user"},
		{solana.SystemProgramID, false, false, "system_program"},
	}
	for i, w := range want {
		idx := int(indexes[i])
		if idx >= len(msg.AccountKeys) || !msg.AccountKeys[idx].Equals(w.key) {
			return fail(CheckAccounts, fmt.Sprintf("account %d is not the %s", i, w.name)).With("position", i)
		}
		if w.signer && !isSigner(msg, idx) {
			return fail(CheckAccounts, w.name+" account must sign").With("position", i)
		}
		if w.writable && !isWritable(msg, idx) {
			return fail(CheckAccounts, w.name+" account must be writable").With("position", i)
		}
	}
	return nil
}

func isSigner(msg solana.Message, idx int) bool {
	return idx < int(msg.Header.NumRequiredSignatures)
}

func isWritable(msg solana.Message, idx int) bool {
	h := msg.Header
	if idx < int(h.NumRequiredSignatures) {
		return idx < int(h.NumRequiredSignatures)-int(h.NumReadonlySignedAccounts)
	}
	return idx < len(msg.AccountKeys)-int(h.NumReadonlyUnsignedAccounts)
}

func containsKey(keys []solana.PublicKey, k solana.PublicKey) bool {
	for _, key := range keys {
		if key.Equals(k) {
			return true
		}
	}
	return false
}

func fail(check, msg string) *apperrors.AppError {
	return apperrors.Verification(check, msg)
}
