package db

import (
	"context"
	"fmt"
	"time"
)

// Delivery is the receipt of one copy of a broadcast.
type Delivery struct {
	SourceMessageID int
	Kind            Kind
	ChatID          int64
	MessageID       int
	CreatedAt       time.Time
}

// AppendDeliveries writes a batch of receipts in one transaction. A receipt
// for an existing (source, kind, chat) pair replaces its message id.
func (d *DB) AppendDeliveries(ctx context.Context, batch []Delivery) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, d.rebind(
		`INSERT INTO deliveries(source_message_id,kind,chat_id,message_id,created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(source_message_id,kind,chat_id) DO UPDATE SET message_id=excluded.message_id, created_at=excluded.created_at`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, dl := range batch {
		at := now
		if !dl.CreatedAt.IsZero() {
			at = dl.CreatedAt.Unix()
		}
		if _, err := stmt.ExecContext(ctx, dl.SourceMessageID, string(dl.Kind), dl.ChatID, dl.MessageID, at); err != nil {
			return fmt.Errorf("append delivery %s/%d: %w", dl.Kind, dl.ChatID, err)
		}
	}
	return tx.Commit()
}

// Deliveries lists every receipt recorded for source.
func (d *DB) Deliveries(ctx context.Context, source int) ([]Delivery, error) {
	rows, err := d.sql.QueryContext(ctx, d.rebind(
		`SELECT kind,chat_id,message_id,created_at FROM deliveries WHERE source_message_id=? ORDER BY kind ASC, chat_id ASC`),
		source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		dl := Delivery{SourceMessageID: source}
		var k string
		var at int64
		if err := rows.Scan(&k, &dl.ChatID, &dl.MessageID, &at); err != nil {
			return nil, err
		}
		dl.Kind = Kind(k)
		dl.CreatedAt = unixTime(at)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// DeleteDeliveries purges every receipt for source.
func (d *DB) DeleteDeliveries(ctx context.Context, source int) (int64, error) {
	res, err := d.sql.ExecContext(ctx, d.rebind(`DELETE FROM deliveries WHERE source_message_id=?`), source)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountDeliveries returns the total number of stored receipts.
func (d *DB) CountDeliveries(ctx context.Context) (int, error) {
	var n int
	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(1) FROM deliveries`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
