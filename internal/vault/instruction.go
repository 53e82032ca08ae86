// Package vault bridges signed Solana vault transactions and the ledger.
//
// The vault program takes two instructions, deposit and withdraw. Each
// carries an 8-byte discriminator followed by a little-endian u64 amount and
// touches exactly three accounts: the user's program-derived vault, the user
// (signer), and the system program. Nothing reaches the ledger until a
// transaction has passed every structural check and been confirmed on chain.
package vault

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/race-engine/internal/model"
)

const (
	discriminatorSize = 8
	instructionSize   = discriminatorSize + 8
	accountCount      = 3
)

var (
	ErrDataLength           = errors.New("vault: instruction data must be 16 bytes")
	ErrUnknownDiscriminator = errors.New("vault: unknown instruction discriminator")

	vaultSeed = []byte("vault")

	depositDiscriminator  = discriminator("deposit")
	withdrawDiscriminator = discriminator("withdraw")
)

// discriminator is sha256("global:<name>")[:8], the Anchor method selector.
func discriminator(name string) [discriminatorSize]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [discriminatorSize]byte
	copy(d[:], sum[:discriminatorSize])
	return d
}

// EncodeInstruction builds the instruction data for kind.
func EncodeInstruction(kind model.VaultKind, amount uint64) ([]byte, error) {
	var d [discriminatorSize]byte
	switch kind {
	case model.VaultDeposit:
		d = depositDiscriminator
	case model.VaultWithdraw:
		d = withdrawDiscriminator
	default:
		return nil, fmt.Errorf("vault: unknown kind %q", kind)
	}
	data := make([]byte, instructionSize)
	copy(data, d[:])
	binary.LittleEndian.PutUint64(data[discriminatorSize:], amount)
	return data, nil
}

// DecodeInstruction reads the operation and amount out of instruction data.
func DecodeInstruction(data []byte) (model.VaultKind, uint64, error) {
	if len(data) != instructionSize {
		return "", 0, ErrDataLength
	}
	var d [discriminatorSize]byte
	copy(d[:], data[:discriminatorSize])

	var kind model.VaultKind
	switch d {
	case depositDiscriminator:
		kind = model.VaultDeposit
	case withdrawDiscriminator:
		kind = model.VaultWithdraw
	default:
		return "", 0, ErrUnknownDiscriminator
	}
	return kind, binary.LittleEndian.Uint64(data[discriminatorSize:]), nil
}

// DeriveVault returns the user's vault address under programID.
func DeriveVault(programID, user solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{vaultSeed, user.Bytes()}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive vault address: %w", err)
	}
	return addr, nil
}

// DemoProgramID stands in for the vault program when none is configured in
// demo mode.
var DemoProgramID = solana.PublicKeyFromBytes(func() []byte {
	sum := sha256.Sum256([]byte("race-engine demo vault"))
	return sum[:]
}())
