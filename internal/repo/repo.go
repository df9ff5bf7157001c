// Package repo is the SQLite persistence layer for the dev signing service's
// ledger and the SDK's cached key sets.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"receiptline/internal/receipt"
)

// ErrNotFound marks absent rows across all lookups.
var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

// Event is one row of the service's append-only diagnostic log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AgentID    string `json:"agent_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// InsertReceipt stores a freshly issued receipt in the ledger.
func (r Repo) InsertReceipt(ctx context.Context, tx *sql.Tx, rec *receipt.Receipt, payload map[string]any) error {
	if rec.ReceiptID == "" || rec.ReceiptHash == "" {
		return errors.New("receipt_id and receipt_hash required")
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var metadataJSON any
	if rec.Metadata != nil {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadataJSON = string(data)
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO receipts(
			receipt_id, receipt_hash, ts, agent_id, action_type, payload_hash, payload_json,
			signature, signature_type, key_id, schema_version, chain_sequence,
			previous_receipt_hash, metadata_json
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ReceiptID, rec.ReceiptHash, rec.Timestamp, rec.AgentID, rec.ActionType,
		rec.PayloadHash, string(payloadJSON), rec.Signature, rec.SignatureType,
		rec.KeyID, rec.SchemaVersion, rec.ChainSequence,
		nullable(rec.PreviousReceiptHash), metadataJSON)
	return err
}

func scanReceipt(row interface{ Scan(...any) error }) (*receipt.Receipt, error) {
	var rec receipt.Receipt
	var payloadJSON, prev, metadataJSON sql.NullString
	var seq sql.NullInt64
	err := row.Scan(&rec.ReceiptID, &rec.ReceiptHash, &rec.Timestamp, &rec.AgentID,
		&rec.ActionType, &rec.PayloadHash, &payloadJSON, &rec.Signature,
		&rec.SignatureType, &rec.KeyID, &rec.SchemaVersion, &seq, &prev, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if seq.Valid {
		rec.ChainSequence = &seq.Int64
	}
	if prev.Valid {
		rec.PreviousReceiptHash = prev.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata)
	}
	return &rec, nil
}

const receiptColumns = `receipt_id, receipt_hash, ts, agent_id, action_type, payload_hash,
	payload_json, signature, signature_type, key_id, schema_version, chain_sequence,
	previous_receipt_hash, metadata_json`

// GetReceiptByID fetches a receipt by its identifier.
func (r Repo) GetReceiptByID(ctx context.Context, receiptID string) (*receipt.Receipt, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE receipt_id=? LIMIT 1`, receiptID)
	return scanReceipt(row)
}

// GetReceiptByHash fetches a receipt by full hash, or by unique prefix when
// at least 16 characters are given.
func (r Repo) GetReceiptByHash(ctx context.Context, hash string) (*receipt.Receipt, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE receipt_hash=? LIMIT 1`, hash)
	rec, err := scanReceipt(row)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	if len(hash) < 16 {
		return nil, ErrNotFound
	}
	row = r.DB.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE receipt_hash LIKE ? ORDER BY ts LIMIT 1`, hash+"%")
	return scanReceipt(row)
}

// LatestReceiptForAgent returns the most recent ledger entry for one agent.
func (r Repo) LatestReceiptForAgent(ctx context.Context, agentID string) (*receipt.Receipt, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE agent_id=? ORDER BY chain_sequence DESC LIMIT 1`, agentID)
	return scanReceipt(row)
}

// CountReceiptsForAgent returns the agent's ledger length, which doubles as
// the next chain position.
func (r Repo) CountReceiptsForAgent(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts WHERE agent_id=?`, agentID).Scan(&n)
	return n, err
}

// LatestEvents returns recent event rows, newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, agentID string) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, ts, type, COALESCE(agent_id,''), entity_kind, COALESCE(entity_id,''), payload_json FROM events`
	var where []string
	var args []any
	if evtType != "" {
		where = append(where, `type=?`)
		args = append(args, evtType)
	}
	if agentID != "" {
		where = append(where, `agent_id=?`)
		args = append(args, agentID)
	}
	for i, cond := range where {
		if i == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AgentID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertCachedKeys replaces the cached key set for one source.
func (r Repo) UpsertCachedKeys(ctx context.Context, source string, keys map[string][]byte) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_keys WHERE source=?`, source); err != nil {
		return err
	}
	fetchedAt := time.Now().UTC().Format(time.RFC3339)
	for kid, material := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cached_keys(source, kid, material, fetched_at) VALUES (?,?,?,?)`,
			source, kid, material, fetchedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CachedKeys loads the cached key set for one source.
func (r Repo) CachedKeys(ctx context.Context, source string) (map[string][]byte, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kid, material FROM cached_keys WHERE source=?`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make(map[string][]byte)
	for rows.Next() {
		var kid string
		var material []byte
		if err := rows.Scan(&kid, &material); err != nil {
			return nil, err
		}
		keys[kid] = material
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	return keys, nil
}

// GetSigningSeed returns the stored Ed25519 seed for a key id.
func (r Repo) GetSigningSeed(ctx context.Context, keyID string) ([]byte, error) {
	var seed []byte
	err := r.DB.QueryRowContext(ctx, `SELECT seed FROM signing_keys WHERE key_id=?`, keyID).Scan(&seed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return seed, err
}

// FirstSigningKey returns the oldest stored signing key, if any.
func (r Repo) FirstSigningKey(ctx context.Context) (string, []byte, error) {
	var keyID string
	var seed []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT key_id, seed FROM signing_keys ORDER BY created_at LIMIT 1`).Scan(&keyID, &seed)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	return keyID, seed, err
}

// InsertSigningKey stores a generated Ed25519 seed.
func (r Repo) InsertSigningKey(ctx context.Context, keyID string, seed []byte) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO signing_keys(key_id, seed, created_at) VALUES (?,?,?)`,
		keyID, seed, time.Now().UTC().Format(time.RFC3339))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
