package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the SQL migrations for the PostgreSQL account directory.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// PGDirectory reads accounts from PostgreSQL.
type PGDirectory struct {
	db *sql.DB
}

func NewPGDirectory(db *sql.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

func (d *PGDirectory) FindByIdentifier(ctx context.Context, identifier string) (Account, error) {
	row := d.db.QueryRowContext(ctx,
		`select id, identifier, password_hash, role, status, created_at from accounts where identifier=$1`,
		NormalizeIdentifier(identifier),
	)
	var (
		a    Account
		role string
	)
	if err := row.Scan(&a.ID, &a.Identifier, &a.PasswordHash, &role, &a.Status, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	a.Role = Role(role)
	return a, nil
}

func (d *PGDirectory) CreateAccount(ctx context.Context, account *Account) error {
	if err := prepareAccount(account); err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx,
		`insert into accounts(id, identifier, password_hash, role, status, created_at)
		 values($1,$2,$3,$4,$5,$6) on conflict (identifier) do nothing`,
		account.ID, account.Identifier, account.PasswordHash, string(account.Role), account.Status, account.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Ping checks database reachability.
func (d *PGDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
