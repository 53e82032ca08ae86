package vault

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/time/rate"

	"github.com/atmx/race-engine/internal/apperrors"
)

// Chain is the blockchain connection used by the vault.
type Chain interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	// SubmitAndConfirm sends a signed transaction and blocks until it is
	// confirmed. Errors are CHAIN_UNAVAILABLE (retry) or VERIFICATION_FAILURE
	// (the chain rejected it).
	SubmitAndConfirm(ctx context.Context, raw []byte, sig solana.Signature) error
	// Authoritative is false when confirmations are not real.
	Authoritative() bool
}

// SolanaChain talks to a Solana JSON-RPC node. Calls share a token bucket so a
// burst of deposits cannot exhaust the node's rate limit.
type SolanaChain struct {
	client         *rpc.Client
	limiter        *rate.Limiter
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

func NewSolanaChain(endpoint string, perSecond int, confirmTimeout, pollInterval time.Duration) *SolanaChain {
	if perSecond <= 0 {
		perSecond = 10
	}
	return &SolanaChain{
		client:         rpc.New(endpoint),
		limiter:        rate.NewLimiter(rate.Limit(perSecond), perSecond),
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
	}
}

func (c *SolanaChain) Authoritative() bool { return true }

func (c *SolanaChain) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return solana.Hash{}, apperrors.ChainUnavailable(err)
	}
	out, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, apperrors.ChainUnavailable(err)
	}
	return out.Value.Blockhash, nil
}

func (c *SolanaChain) SubmitAndConfirm(ctx context.Context, raw []byte, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	// A retried request may carry a transaction that already landed.
	done, err := c.status(ctx, sig)
	if err != nil {
		return err
	}
	if !done {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.ChainUnavailable(err)
		}
		if _, err := c.client.SendRawTransaction(ctx, raw); err != nil {
			var rpcErr *jsonrpc.RPCError
			if errors.As(err, &rpcErr) {
				return apperrors.Verification(CheckChain, "transaction rejected by the chain").
					With("rpc_code", rpcErr.Code).
					With("rpc_message", rpcErr.Message)
			}
			return apperrors.ChainUnavailable(err)
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for !done {
		select {
		case <-ctx.Done():
			return apperrors.ChainUnavailable(fmt.Errorf("confirmation of %s: %w", sig, ctx.Err()))
		case <-ticker.C:
		}
		if done, err = c.status(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}

// status reports whether sig is confirmed. A transaction that failed on
// chain is a verification failure.
func (c *SolanaChain) status(ctx context.Context, sig solana.Signature) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, apperrors.ChainUnavailable(err)
	}
	out, err := c.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, apperrors.ChainUnavailable(err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	st := out.Value[0]
	if st.Err != nil {
		return false, apperrors.Verification(CheckChain, "transaction failed on chain").
			With("chain_error", fmt.Sprint(st.Err))
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return true, nil
	}
	return false, nil
}

// DemoChain confirms everything without a network. It exists for local
// development only; every transaction it confirms is flagged
// non-authoritative and logged at warn level.
type DemoChain struct {
	log *slog.Logger
}

func NewDemoChain(log *slog.Logger) *DemoChain {
	if log == nil {
		log = slog.Default()
	}
	return &DemoChain{log: log.With("component", "demo_chain")}
}

func (c *DemoChain) Authoritative() bool { return false }

// LatestBlockhash returns a hash derived from the current minute.
func (c *DemoChain) LatestBlockhash(context.Context) (solana.Hash, error) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(time.Now().Unix()/60))
	return solana.Hash(sha256.Sum256(b[:])), nil
}

func (c *DemoChain) SubmitAndConfirm(_ context.Context, _ []byte, sig solana.Signature) error {
	c.log.Warn("transaction not submitted, demo chain", "signature", sig.String(), "authoritative", false)
	return nil
}
