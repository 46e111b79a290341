package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const BackupVersion = "1.0"

type BackupMeta struct {
	Version string `json:"version"`
	Date    string `json:"date"`
	Type    string `json:"type"`
}

type BackupUser struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
	IsActive  *bool  `json:"is_active"`
	JoinedAt  string `json:"joined_at"`
}

type BackupChat struct {
	ChatID   int64  `json:"chat_id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
	AddedBy  int64  `json:"added_by_id"`
	IsActive *bool  `json:"is_active"`
	JoinedAt string `json:"joined_at"`
}

// Backup is the portable JSON document exchanged by /backup and restore.
type Backup struct {
	Meta     BackupMeta   `json:"meta"`
	Users    []BackupUser `json:"users"`
	Channels []BackupChat `json:"channels"`
	Groups   []BackupChat `json:"groups"`
}

type RestoreReport struct {
	Users    int
	Channels int
	Groups   int
}

func (r RestoreReport) Total() int { return r.Users + r.Channels + r.Groups }

func (d *DB) ExportBackup(ctx context.Context) (Backup, error) {
	b := Backup{
		Meta:     BackupMeta{Version: BackupVersion, Date: formatISO(time.Now()), Type: "full_backup"},
		Users:    []BackupUser{},
		Channels: []BackupChat{},
		Groups:   []BackupChat{},
	}
	for _, kind := range Kinds() {
		list, err := d.List(ctx, kind)
		if err != nil {
			return Backup{}, fmt.Errorf("list %s: %w", kind, err)
		}
		for _, r := range list {
			active := r.Active
			switch kind {
			case KindUser:
				b.Users = append(b.Users, BackupUser{
					UserID: r.ChatID, FirstName: r.Title, Username: r.Username,
					IsActive: &active, JoinedAt: formatISO(r.RegisteredAt),
				})
			case KindChannel:
				b.Channels = append(b.Channels, backupChat(r, active))
			case KindGroup:
				b.Groups = append(b.Groups, backupChat(r, active))
			}
		}
	}
	return b, nil
}

func backupChat(r Recipient, active bool) BackupChat {
	return BackupChat{ChatID: r.ChatID, Title: r.Title, Username: r.Username, AddedBy: r.AddedBy, IsActive: &active, JoinedAt: formatISO(r.RegisteredAt)}
}

// WriteBackup encodes the current directory as indented JSON.
func (d *DB) WriteBackup(ctx context.Context, w io.Writer) error {
	b, err := d.ExportBackup(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(b)
}

// RestoreBackup imports a backup document. Existing rows are never touched;
// the report counts rows that were new.
func (d *DB) RestoreBackup(ctx context.Context, r io.Reader) (RestoreReport, error) {
	var b Backup
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return RestoreReport{}, fmt.Errorf("decode backup: %w", err)
	}
	if b.Users == nil && b.Channels == nil && b.Groups == nil {
		return RestoreReport{}, errors.New("backup has no users, channels or groups")
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return RestoreReport{}, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, d.rebind(
		`INSERT INTO recipients(kind,chat_id,title,username,added_by,active,registered_at,updated_at)
		 VALUES(?,?,?,?,?,?,?,?) ON CONFLICT(kind,chat_id) DO NOTHING`))
	if err != nil {
		return RestoreReport{}, err
	}
	defer stmt.Close()

	now := time.Now()
	insert := func(kind Kind, id int64, title, username string, addedBy int64, active *bool, joined string) (bool, error) {
		if id == 0 {
			return false, nil
		}
		isActive := active == nil || *active
		at, ok := parseISO(joined)
		if !ok {
			at = now
		}
		res, err := stmt.ExecContext(ctx, string(kind), id, title, username, addedBy, boolInt(isActive), at.Unix(), now.Unix())
		if err != nil {
			return false, fmt.Errorf("restore %s %d: %w", kind, id, err)
		}
		n, err := res.RowsAffected()
		return n > 0, err
	}

	var rep RestoreReport
	for _, u := range b.Users {
		ok, err := insert(KindUser, u.UserID, u.FirstName, u.Username, 0, u.IsActive, u.JoinedAt)
		if err != nil {
			return RestoreReport{}, err
		}
		if ok {
			rep.Users++
		}
	}
	for _, c := range b.Channels {
		ok, err := insert(KindChannel, c.ChatID, c.Title, c.Username, c.AddedBy, c.IsActive, c.JoinedAt)
		if err != nil {
			return RestoreReport{}, err
		}
		if ok {
			rep.Channels++
		}
	}
	for _, g := range b.Groups {
		ok, err := insert(KindGroup, g.ChatID, g.Title, g.Username, g.AddedBy, g.IsActive, g.JoinedAt)
		if err != nil {
			return RestoreReport{}, err
		}
		if ok {
			rep.Groups++
		}
	}
	if err := tx.Commit(); err != nil {
		return RestoreReport{}, err
	}
	return rep, nil
}

// SnapshotTo writes a consistent copy of a sqlite database to dstPath using
// VACUUM INTO. It works with WAL enabled.
func (d *DB) SnapshotTo(ctx context.Context, dstPath string) error {
	if d.driver != DriverSQLite {
		return fmt.Errorf("snapshot is only supported for sqlite, have %s", d.driver)
	}
	escaped := strings.ReplaceAll(dstPath, "'", "''")
	_, err := d.sql.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s';", escaped))
	return err
}
