// Package engine implements the dev signing service: it issues receipts into
// the local ledger and re-verifies them against the active key.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"receiptline/internal/events"
	"receiptline/internal/receipt"
	"receiptline/internal/repo"
	"receiptline/internal/signer"
	"receiptline/internal/verify"
)

const signatureType = "ed25519"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Signer *signer.Signer
	// VerifyBase is the public base URL embedded into verify_url links.
	VerifyBase string
	Now        func() time.Time
}

func New(db *sql.DB, s *signer.Signer, verifyBase string) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Signer:     s,
		VerifyBase: verifyBase,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// IssueOptions are the parameters for issuing one receipt.
type IssueOptions struct {
	AgentID             string
	ActionType          string
	Payload             map[string]any
	PreviousReceiptHash string
	Metadata            map[string]any
}

// IssueReceipt signs a new receipt and appends it to the agent's ledger.
// When the caller supplies no previous hash the service links to the latest
// ledger entry for the agent, so chains survive client restarts.
func (e Engine) IssueReceipt(ctx context.Context, opts IssueOptions) (*receipt.Receipt, error) {
	if opts.AgentID == "" {
		return nil, errors.New("agent_id required")
	}
	if opts.ActionType == "" {
		return nil, errors.New("action_type required")
	}
	if opts.Payload == nil {
		opts.Payload = map[string]any{}
	}
	payloadHash, err := receipt.HashPayload(opts.Payload)
	if err != nil {
		return nil, err
	}

	seq, err := e.Repo.CountReceiptsForAgent(ctx, opts.AgentID)
	if err != nil {
		return nil, fmt.Errorf("chain position: %w", err)
	}
	prev := opts.PreviousReceiptHash
	if prev == "" && seq > 0 {
		latest, err := e.Repo.LatestReceiptForAgent(ctx, opts.AgentID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if latest != nil {
			prev = latest.ReceiptHash
		}
	}

	rec := &receipt.Receipt{
		ReceiptID:           uuid.NewString(),
		Timestamp:           e.now().UTC().Format(time.RFC3339),
		AgentID:             opts.AgentID,
		ActionType:          opts.ActionType,
		PayloadHash:         payloadHash,
		SignatureType:       signatureType,
		KeyID:               e.Signer.KeyID(),
		Kid:                 e.Signer.KeyID(),
		Alg:                 "EdDSA",
		SchemaVersion:       receipt.SchemaVersion,
		ChainSequence:       &seq,
		PreviousReceiptHash: prev,
		Metadata:            opts.Metadata,
	}
	canonical := receipt.Canonical(rec)
	rec.Signature = e.Signer.Sign(canonical)
	rec.ReceiptHash = receipt.HashCanonical(canonical, rec.Signature)
	if e.VerifyBase != "" {
		rec.VerifyURL = e.VerifyBase + "/r/" + rec.ReceiptHash
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReceipt(ctx, tx, rec, opts.Payload); err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeReceiptIssued, rec.AgentID, "receipt", rec.ReceiptID, events.EventPayload{
		"receipt_hash":   rec.ReceiptHash,
		"action_type":    rec.ActionType,
		"chain_sequence": seq,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e Engine) verifier() (*verify.Verifier, error) {
	return verify.FromKeySet(map[string][]byte{e.Signer.KeyID(): e.Signer.Public()})
}

// VerifyReceipt checks signature and structure against the active key, then
// checks the chain fields against the ledger's copy when one exists.
func (e Engine) VerifyReceipt(ctx context.Context, rec *receipt.Receipt) (receipt.VerificationResult, error) {
	v, err := e.verifier()
	if err != nil {
		return receipt.VerificationResult{}, err
	}
	res := v.Verify(rec)

	if rec.ReceiptHash != "" {
		chainOK := false
		stored, err := e.Repo.GetReceiptByHash(ctx, rec.ReceiptHash)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if res.Reason == "" {
				res.Reason = "receipt hash not present in ledger"
			}
		case err != nil:
			return receipt.VerificationResult{}, err
		default:
			chainOK = stored.PreviousReceiptHash == rec.PreviousReceiptHash &&
				equalSeq(stored.ChainSequence, rec.ChainSequence)
			if !chainOK && res.Reason == "" {
				res.Reason = "chain fields disagree with ledger"
			}
		}
		res.ChainOK = &chainOK
		res.Valid = res.Valid && chainOK
	}

	_ = e.Events.Append(ctx, nil, events.TypeReceiptVerified, rec.AgentID, "receipt", rec.ReceiptID, events.EventPayload{
		"valid":        res.Valid,
		"receipt_hash": rec.ReceiptHash,
	})
	return res, nil
}

// VerifyByID loads a stored receipt and verifies it.
func (e Engine) VerifyByID(ctx context.Context, receiptID string) (*receipt.Receipt, receipt.VerificationResult, error) {
	rec, err := e.Repo.GetReceiptByID(ctx, receiptID)
	if err != nil {
		return nil, receipt.VerificationResult{}, err
	}
	res, err := e.VerifyReceipt(ctx, rec)
	return rec, res, err
}

// Lookup resolves a receipt hash (or unique prefix) into its ledger entry and
// a fresh verification.
func (e Engine) Lookup(ctx context.Context, hash string) (receipt.LookupResult, error) {
	rec, err := e.Repo.GetReceiptByHash(ctx, hash)
	if errors.Is(err, repo.ErrNotFound) {
		return receipt.LookupResult{Found: false}, nil
	}
	if err != nil {
		return receipt.LookupResult{}, err
	}
	res, err := e.VerifyReceipt(ctx, rec)
	if err != nil {
		return receipt.LookupResult{}, err
	}
	return receipt.LookupResult{
		Found:        true,
		Receipt:      rec,
		Verification: &res,
		Meta: map[string]any{
			"looked_up_at": e.now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// Status reports the service's signing capabilities.
func (e Engine) Status(ctx context.Context) receipt.ServiceStatus {
	return receipt.ServiceStatus{
		Status:        "operational",
		SignatureType: signatureType,
		KeyID:         e.Signer.KeyID(),
		HasPublicKey:  true,
		Capabilities:  []string{"issue", "verify", "lookup", "public-key", "jwks"},
	}
}

// PublicKey returns the key document served for offline verification.
func (e Engine) PublicKey() (receipt.KeyInfo, error) {
	pemText, err := e.Signer.PublicPEM()
	if err != nil {
		return receipt.KeyInfo{}, err
	}
	return receipt.KeyInfo{
		KeyID:         e.Signer.KeyID(),
		SignatureType: signatureType,
		PublicKeyPEM:  pemText,
	}, nil
}

func equalSeq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
