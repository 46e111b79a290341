package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// PageStart is the keyset cursor for the first ActiveIDs page.
const PageStart int64 = math.MinInt64

type Recipient struct {
	Kind         Kind
	ChatID       int64
	Title        string // first name for users
	Username     string
	AddedBy      int64
	Active       bool
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

type RegisterResult int

const (
	Unchanged RegisterResult = iota
	Created
	Reactivated
)

func (r RegisterResult) String() string {
	switch r {
	case Created:
		return "created"
	case Reactivated:
		return "reactivated"
	}
	return "unchanged"
}

// Register records a recipient on first contact and reactivates it when it
// was soft-deleted. Title and username are refreshed; added_by is kept.
// Concurrent registrations of the same chat never fail on the unique key:
// the insert yields to an existing row.
func (d *DB) Register(ctx context.Context, r Recipient) (RegisterResult, error) {
	if !r.Kind.Valid() {
		return Unchanged, fmt.Errorf("register: invalid kind %q", r.Kind)
	}
	now := time.Now().Unix()

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return Unchanged, err
	}
	defer func() { _ = tx.Rollback() }()

	exec := func(q string, args ...any) (int64, error) {
		res, err := tx.ExecContext(ctx, d.rebind(q), args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	result := Created
	n, err := exec(`INSERT INTO recipients(kind,chat_id,title,username,added_by,active,registered_at,updated_at)
		 VALUES(?,?,?,?,?,1,?,?) ON CONFLICT(kind,chat_id) DO NOTHING`,
		string(r.Kind), r.ChatID, r.Title, r.Username, r.AddedBy, now, now)
	if err != nil {
		return Unchanged, fmt.Errorf("register %s %d: %w", r.Kind, r.ChatID, err)
	}
	if n == 0 {
		result = Reactivated
		n, err = exec(`UPDATE recipients SET active=1, title=?, username=?, updated_at=? WHERE kind=? AND chat_id=? AND active=0`,
			r.Title, r.Username, now, string(r.Kind), r.ChatID)
		if err != nil {
			return Unchanged, fmt.Errorf("reactivate %s %d: %w", r.Kind, r.ChatID, err)
		}
	}
	if n == 0 {
		result = Unchanged
		if _, err = exec(`UPDATE recipients SET title=?, username=?, updated_at=? WHERE kind=? AND chat_id=?`,
			r.Title, r.Username, now, string(r.Kind), r.ChatID); err != nil {
			return Unchanged, fmt.Errorf("refresh %s %d: %w", r.Kind, r.ChatID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Unchanged, err
	}
	return result, nil
}

// Deactivate soft-deletes one recipient within its own kind. It reports
// whether an active row was flipped.
func (d *DB) Deactivate(ctx context.Context, kind Kind, chatID int64) (bool, error) {
	res, err := d.sql.ExecContext(ctx, d.rebind(
		`UPDATE recipients SET active=0, updated_at=? WHERE kind=? AND chat_id=? AND active=1`),
		time.Now().Unix(), string(kind), chatID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MoveGroup follows a group upgraded to a supergroup: the new id inherits
// the old row's title, username and added_by and is active; the old id is
// deactivated.
func (d *DB) MoveGroup(ctx context.Context, oldID, newID int64) error {
	now := time.Now().Unix()
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var title, username string
	var addedBy int64
	err = tx.QueryRowContext(ctx, d.rebind(`SELECT title,username,added_by FROM recipients WHERE kind=? AND chat_id=?`),
		string(KindGroup), oldID).Scan(&title, &username, &addedBy)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if _, err := tx.ExecContext(ctx, d.rebind(
		`INSERT INTO recipients(kind,chat_id,title,username,added_by,active,registered_at,updated_at)
		 VALUES(?,?,?,?,?,1,?,?)
		 ON CONFLICT(kind,chat_id) DO UPDATE SET active=1, updated_at=excluded.updated_at`),
		string(KindGroup), newID, title, username, addedBy, now, now); err != nil {
		return fmt.Errorf("move group %d to %d: %w", oldID, newID, err)
	}
	if _, err := tx.ExecContext(ctx, d.rebind(
		`UPDATE recipients SET active=0, updated_at=? WHERE kind=? AND chat_id=?`),
		now, string(KindGroup), oldID); err != nil {
		return fmt.Errorf("move group %d to %d: %w", oldID, newID, err)
	}
	return tx.Commit()
}

// ActiveIDs returns up to limit active ids of kind greater than after,
// ascending. Pass PageStart for the first page and the last id returned for
// the next one.
func (d *DB) ActiveIDs(ctx context.Context, kind Kind, after int64, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := d.sql.QueryContext(ctx, d.rebind(
		`SELECT chat_id FROM recipients WHERE kind=? AND active=1 AND chat_id>? ORDER BY chat_id ASC LIMIT ?`),
		string(kind), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *DB) Get(ctx context.Context, kind Kind, chatID int64) (Recipient, error) {
	var r Recipient
	var k string
	var active int
	var reg, upd int64
	err := d.sql.QueryRowContext(ctx, d.rebind(
		`SELECT kind,chat_id,title,username,added_by,active,registered_at,updated_at FROM recipients WHERE kind=? AND chat_id=?`),
		string(kind), chatID).
		Scan(&k, &r.ChatID, &r.Title, &r.Username, &r.AddedBy, &active, &reg, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	if err != nil {
		return Recipient{}, err
	}
	r.Kind = Kind(k)
	r.Active = active == 1
	r.RegisteredAt = unixTime(reg)
	r.UpdatedAt = unixTime(upd)
	return r, nil
}

// List returns every recipient of kind, active or not, ordered by id.
func (d *DB) List(ctx context.Context, kind Kind) ([]Recipient, error) {
	rows, err := d.sql.QueryContext(ctx, d.rebind(
		`SELECT chat_id,title,username,added_by,active,registered_at,updated_at FROM recipients WHERE kind=? ORDER BY chat_id ASC`),
		string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		r := Recipient{Kind: kind}
		var active int
		var reg, upd int64
		if err := rows.Scan(&r.ChatID, &r.Title, &r.Username, &r.AddedBy, &active, &reg, &upd); err != nil {
			return nil, err
		}
		r.Active = active == 1
		r.RegisteredAt = unixTime(reg)
		r.UpdatedAt = unixTime(upd)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountActive returns the number of active recipients per kind. Every kind
// is present in the result, zero when empty.
func (d *DB) CountActive(ctx context.Context) (map[Kind]int, error) {
	out := map[Kind]int{}
	for _, k := range Kinds() {
		out[k] = 0
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT kind, COUNT(1) FROM recipients WHERE active=1 GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[Kind(k)] = n
	}
	return out, rows.Err()
}
