package kvstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

const defaultTable = "signer_kv"

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Postgres 把键值保存在单表中，适合多实例共享持久化。
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

var _ Store = (*Postgres)(nil)

// NewPostgres 连接数据库并确保表存在。
func NewPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid kv table name %q", table)
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, eris.Wrap(err, "connect postgres")
	}
	p := &Postgres{pool: pool, table: table}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, p.table))
	if err != nil {
		return eris.Wrapf(err, "create table %s", p.table)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "get %s", key)
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, p.table), key, value)
	if err != nil {
		return eris.Wrapf(err, "set %s", key)
	}
	return nil
}

func (p *Postgres) Remove(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table), key); err != nil {
		return eris.Wrapf(err, "remove %s", key)
	}
	return nil
}

// Ping 检查连接。
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close 关闭连接池。
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
