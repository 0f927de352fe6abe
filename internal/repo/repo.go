package repo

import (
	"context"
	"database/sql"
	"errors"
)

// Repo is the local state store of one runner: its device identity, the
// resolved namespace ids and the dispatch journal.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Identity is the persisted device identity row.
type Identity struct {
	ID        string
	Name      string
	CreatedAt string
}

func (r Repo) GetIdentity(ctx context.Context) (Identity, error) {
	var id Identity
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM device_identity WHERE singleton=1`).
		Scan(&id.ID, &id.Name, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return id, ErrNotFound
	}
	return id, err
}

// InsertIdentity stores id unless an identity already exists. It returns the
// identity that is stored afterwards.
func (r Repo) InsertIdentity(ctx context.Context, id Identity) (Identity, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO device_identity(singleton,id,name,created_at) VALUES (1,?,?,?) ON CONFLICT(singleton) DO NOTHING`,
		id.ID, id.Name, id.CreatedAt); err != nil {
		return Identity{}, err
	}
	return r.GetIdentity(ctx)
}

func (r Repo) RenameIdentity(ctx context.Context, name string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE device_identity SET name=? WHERE singleton=1`, name)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// LookupNamespace returns the cached id of a namespace title, or "".
func (r Repo) LookupNamespace(ctx context.Context, title string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT namespace_id FROM namespace_cache WHERE title=?`, title).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (r Repo) StoreNamespace(ctx context.Context, title, id string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO namespace_cache(title,namespace_id,resolved_at) VALUES (?,?,strftime('%Y-%m-%dT%H:%M:%fZ','now'))
ON CONFLICT(title) DO UPDATE SET namespace_id=excluded.namespace_id, resolved_at=excluded.resolved_at`, title, id)
	return err
}

func (r Repo) ForgetNamespace(ctx context.Context, title string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM namespace_cache WHERE title=?`, title)
	return err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
