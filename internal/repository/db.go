package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string, maxConns int) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	config.MinConns = 2
	if config.MinConns > config.MaxConns {
		config.MinConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateParkingSessions,
		migrationAddOpenUIDIndex,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateParkingSessions = `
CREATE TABLE IF NOT EXISTS parking_sessions (
    id BIGSERIAL PRIMARY KEY,
    uid VARCHAR(255) NOT NULL,
    time_in TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    time_out TIMESTAMP WITH TIME ZONE,
    paid_amount BIGINT,
    CONSTRAINT chk_parking_sessions_paid_after_exit CHECK (paid_amount IS NULL OR time_out IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS idx_parking_sessions_uid ON parking_sessions(uid);
CREATE INDEX IF NOT EXISTS idx_parking_sessions_time_in ON parking_sessions(time_in);
`

// 每张卡最多一条未出场记录
const migrationAddOpenUIDIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS uq_parking_sessions_open_uid
    ON parking_sessions(uid) WHERE time_out IS NULL;
`
