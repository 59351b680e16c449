// Package audit persists settlement receipts and attestations to
// PostgreSQL for dispute resolution, the way the teacher's storage/postgres
// stores persist domain records for later retrieval.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/r3e-network/agent-gateway/internal/attest"
	"github.com/r3e-network/agent-gateway/internal/gateway"
)

// Store writes gateway receipts and attestations to a settlements/
// attestations pair of tables. It never reads them back for gateway
// decisions — the gateway's own in-memory state is authoritative while a
// session is open; Store exists purely for after-the-fact audit and
// dispute resolution.
type Store struct {
	db             *sqlx.DB
	settlementsTbl string
	attestationsTbl string
}

// Open connects to a PostgreSQL database via the lib/pq driver and wraps
// it in a Store. Callers own the *sqlx.DB lifecycle; Close it when done.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already-open *sqlx.DB.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, settlementsTbl: "gateway_settlements", attestationsTbl: "gateway_attestations"}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the settlements/attestations tables if they do not
// already exist. It is safe to call on every process start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	session_id        TEXT PRIMARY KEY,
	intent_nonce      TEXT NOT NULL,
	amount_charged    TEXT NOT NULL,
	call_count        BIGINT NOT NULL,
	tx_reference      TEXT NOT NULL,
	settlement_kind   TEXT NOT NULL,
	settled_at        TIMESTAMPTZ NOT NULL
)`, s.settlementsTbl))
	if err != nil {
		return fmt.Errorf("migrate settlements table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	session_id     TEXT NOT NULL,
	call_index     BIGINT NOT NULL,
	method         TEXT NOT NULL,
	request_hash   TEXT NOT NULL,
	response_hash  TEXT NOT NULL,
	signature      BYTEA NOT NULL,
	attester_id    TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, call_index)
)`, s.attestationsTbl))
	if err != nil {
		return fmt.Errorf("migrate attestations table: %w", err)
	}
	return nil
}

// RecordSettlement inserts or overwrites the settlement receipt for a
// session. Idempotent: re-settling (which the gateway itself forbids) would
// simply overwrite the row with the same values.
func (s *Store) RecordSettlement(ctx context.Context, sessionID string, receipt *gateway.Receipt) error {
	query, args := recordSettlementQuery(s.settlementsTbl, sessionID, receipt)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	return nil
}

func recordSettlementQuery(table, sessionID string, receipt *gateway.Receipt) (string, []any) {
	query := fmt.Sprintf(`
INSERT INTO %s (session_id, intent_nonce, amount_charged, call_count, tx_reference, settlement_kind, settled_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
	amount_charged = EXCLUDED.amount_charged,
	call_count = EXCLUDED.call_count,
	tx_reference = EXCLUDED.tx_reference,
	settlement_kind = EXCLUDED.settlement_kind,
	settled_at = EXCLUDED.settled_at`, table)
	args := []any{
		sessionID,
		receipt.IntentNonce,
		receipt.AmountCharged.String(),
		receipt.CallCount,
		receipt.TxReference,
		receipt.SettlementKind,
		receipt.SettlementTimestamp,
	}
	return query, args
}

// RecordAttestation appends an attestation row. Attestations are
// append-only: one row per (sessionID, callIndex).
func (s *Store) RecordAttestation(ctx context.Context, ar *attest.AttestedResult) error {
	if ar.Attestation == nil {
		return nil
	}
	query, args := recordAttestationQuery(s.attestationsTbl, ar)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("record attestation: %w", err)
	}
	return nil
}

func recordAttestationQuery(table string, ar *attest.AttestedResult) (string, []any) {
	query := fmt.Sprintf(`
INSERT INTO %s (session_id, call_index, method, request_hash, response_hash, signature, attester_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, call_index) DO NOTHING`, table)
	args := []any{
		ar.Attestation.SessionID,
		ar.CallIndex,
		ar.Attestation.Method,
		ar.Attestation.RequestHash,
		ar.Attestation.ResponseHash,
		[]byte(ar.Attestation.Signature),
		ar.Attestation.AttesterID,
		ar.Attestation.Timestamp,
	}
	return query, args
}

// SettlementRow is the read-back shape of a settlements row, used by
// dispute-resolution tooling.
type SettlementRow struct {
	SessionID      string    `db:"session_id"`
	IntentNonce    string    `db:"intent_nonce"`
	AmountCharged  string    `db:"amount_charged"`
	CallCount      int64     `db:"call_count"`
	TxReference    string    `db:"tx_reference"`
	SettlementKind string    `db:"settlement_kind"`
	SettledAt      time.Time `db:"settled_at"`
}

// GetSettlement looks up a settlement receipt by session ID.
func (s *Store) GetSettlement(ctx context.Context, sessionID string) (*SettlementRow, error) {
	query := s.db.Rebind(fmt.Sprintf("SELECT * FROM %s WHERE session_id = ?", s.settlementsTbl))
	var row SettlementRow
	if err := s.db.GetContext(ctx, &row, query, sessionID); err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return &row, nil
}
