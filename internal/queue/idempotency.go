package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const maxIdempotencyKeyLen = 256

// NormalizeIdempotencyKey trims key and truncates it to 256 runes. An empty
// result means no key.
func NormalizeIdempotencyKey(key string) string {
	key = strings.TrimSpace(key)
	if r := []rune(key); len(r) > maxIdempotencyKeyLen {
		key = string(r[:maxIdempotencyKeyLen])
	}
	return key
}

// reserveLocked returns the record already bound to key, or nil when the key
// is free. It must run inside the transaction that will insert the new record,
// so the check and the insert are one atomic step. The unique index on
// idempotency_key backs this up at the storage layer.
func reserveLocked(ctx context.Context, tx *sql.Tx, key string) (*Record, error) {
	if key == "" {
		return nil, nil
	}
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM commands WHERE idempotency_key = ?;`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return rec, nil
}
