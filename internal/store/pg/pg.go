// Package pg opens PostgreSQL handles through the pgx database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool bounds the connection pool. Zero values fall back to Defaults.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Defaults suit a single API instance; tune under load tests.
var Defaults = Pool{
	MaxOpen:     20,
	MaxIdle:     10,
	MaxLifetime: 15 * time.Minute,
	MaxIdleTime: 5 * time.Minute,
}

func (p Pool) withDefaults() Pool {
	if p.MaxOpen <= 0 {
		p.MaxOpen = Defaults.MaxOpen
	}
	if p.MaxIdle <= 0 {
		p.MaxIdle = Defaults.MaxIdle
	}
	if p.MaxIdle > p.MaxOpen {
		p.MaxIdle = p.MaxOpen
	}
	if p.MaxLifetime <= 0 {
		p.MaxLifetime = Defaults.MaxLifetime
	}
	if p.MaxIdleTime <= 0 {
		p.MaxIdleTime = Defaults.MaxIdleTime
	}
	return p
}

// Open connects to dsn and verifies the server answers before returning.
func Open(ctx context.Context, dsn string, pool Pool) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	Configure(db, pool)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Configure applies pool limits to db.
func Configure(db *sql.DB, pool Pool) {
	pool = pool.withDefaults()
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)
	db.SetConnMaxIdleTime(pool.MaxIdleTime)
}
