package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/langchou/parkgate/internal/models"
)

// mysqlDuplicateEntry MySQL 唯一键冲突错误码
const mysqlDuplicateEntry = 1062

// OpenMySQL 连接 MySQL 并校验连接，强制 parseTime 与 UTC 会话时区
func OpenMySQL(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["time_zone"] = "'+00:00'"

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// 连接池配置
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// MigrateMySQL 执行 MySQL 迁移
func MigrateMySQL(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, mysqlMigrationCreateParkingSessions); err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}
	return nil
}

// open_uid 仅在未出场时等于 uid，唯一索引保证每张卡最多一条未出场记录
const mysqlMigrationCreateParkingSessions = `
CREATE TABLE IF NOT EXISTS parking_sessions (
    id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    uid VARCHAR(255) NOT NULL,
    time_in DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    time_out DATETIME(6) NULL,
    paid_amount BIGINT NULL,
    open_uid VARCHAR(255) AS (IF(time_out IS NULL, uid, NULL)) STORED,
    UNIQUE KEY uq_parking_sessions_open_uid (open_uid),
    KEY idx_parking_sessions_uid (uid),
    KEY idx_parking_sessions_time_in (time_in),
    CONSTRAINT chk_parking_sessions_paid_after_exit CHECK (paid_amount IS NULL OR time_out IS NOT NULL)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
`

// sqlQuerier *sql.DB 与 *sql.Tx 的公共子集
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQLParkingRepository MySQL 停车记录仓库
type MySQLParkingRepository struct {
	db *sql.DB
}

// NewMySQLParkingRepository 创建 MySQL 停车仓库
func NewMySQLParkingRepository(db *sql.DB) *MySQLParkingRepository {
	return &MySQLParkingRepository{db: db}
}

// Insert 入场
func (r *MySQLParkingRepository) Insert(ctx context.Context, uid string) (*models.ParkingSession, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO parking_sessions (uid, time_in) VALUES (?, NOW(6))`, uid)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return nil, ErrDuplicateOpen
		}
		return nil, fmt.Errorf("insert parking session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert parking session: %w", err)
	}
	return r.GetByID(ctx, id)
}

// GetByID 获取停车记录
func (r *MySQLParkingRepository) GetByID(ctx context.Context, id int64) (*models.ParkingSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM parking_sessions WHERE id = ?`, id)
	session, err := scanSQLSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get parking session by id: %w", err)
	}
	return session, nil
}

// ListAll 获取全部停车记录，按入场时间倒序
func (r *MySQLParkingRepository) ListAll(ctx context.Context) ([]*models.ParkingSession, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM parking_sessions ORDER BY time_in DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list parking sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.ParkingSession, 0)
	for rows.Next() {
		session, err := scanSQLSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan parking session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parking sessions: %w", err)
	}
	return sessions, nil
}

// RunInTx 在单个事务中执行 fn
func (r *MySQLParkingRepository) RunInTx(ctx context.Context, fn TxFunc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&mysqlSessionTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type mysqlSessionTx struct {
	q sqlQuerier
}

func (t *mysqlSessionTx) FindOpenByUID(ctx context.Context, uid string) (*models.ParkingSession, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM parking_sessions
		WHERE uid = ? AND time_out IS NULL
		ORDER BY time_in DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`, uid)
	session, err := scanSQLSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open parking session: %w", err)
	}
	return session, nil
}

func (t *mysqlSessionTx) SetExit(ctx context.Context, id int64) (time.Time, error) {
	res, err := t.q.ExecContext(ctx, `UPDATE parking_sessions SET time_out = NOW(6) WHERE id = ? AND time_out IS NULL`, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("set parking session exit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("set parking session exit: %w", err)
	}
	if affected == 0 {
		return time.Time{}, ErrNotFound
	}

	var timeOut time.Time
	if err := t.q.QueryRowContext(ctx, `SELECT time_out FROM parking_sessions WHERE id = ?`, id).Scan(&timeOut); err != nil {
		return time.Time{}, fmt.Errorf("read parking session exit: %w", err)
	}
	return timeOut, nil
}

func (t *mysqlSessionTx) ComputeDurationSeconds(ctx context.Context, id int64) (int64, error) {
	var seconds sql.NullInt64
	err := t.q.QueryRowContext(ctx,
		`SELECT TIMESTAMPDIFF(SECOND, time_in, time_out) FROM parking_sessions WHERE id = ?`, id,
	).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("compute parking duration: %w", err)
	}
	if !seconds.Valid {
		return 0, fmt.Errorf("compute parking duration: session %d has no exit time", id)
	}
	return seconds.Int64, nil
}

func (t *mysqlSessionTx) SetPaidAmount(ctx context.Context, id int64, amount int64) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE parking_sessions SET paid_amount = ?
		WHERE id = ? AND time_out IS NOT NULL AND paid_amount IS NULL
	`, amount, id)
	if err != nil {
		return fmt.Errorf("set parking paid amount: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set parking paid amount: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set parking paid amount: session %d is not awaiting payment", id)
	}
	return nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLSession(row sqlScanner) (*models.ParkingSession, error) {
	session := &models.ParkingSession{}
	var timeOut sql.NullTime
	var paid sql.NullInt64
	if err := row.Scan(&session.ID, &session.UID, &session.TimeIn, &timeOut, &paid); err != nil {
		return nil, err
	}
	if timeOut.Valid {
		t := timeOut.Time
		session.TimeOut = &t
	}
	if paid.Valid {
		p := paid.Int64
		session.PaidAmount = &p
	}
	return session, nil
}
