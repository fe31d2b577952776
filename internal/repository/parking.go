package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/langchou/parkgate/internal/models"
)

// pgUniqueViolation PostgreSQL 唯一约束冲突错误码
const pgUniqueViolation = "23505"

const sessionColumns = `id, uid, time_in, time_out, paid_amount`

// querier pgxpool.Pool 与 pgx.Tx 的公共子集
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ParkingRepository PostgreSQL 停车记录仓库
type ParkingRepository struct {
	db *DB
}

// NewParkingRepository 创建停车仓库
func NewParkingRepository(db *DB) *ParkingRepository {
	return &ParkingRepository{db: db}
}

// Insert 入场：创建一条未出场记录
func (r *ParkingRepository) Insert(ctx context.Context, uid string) (*models.ParkingSession, error) {
	query := `
		INSERT INTO parking_sessions (uid, time_in)
		VALUES ($1, NOW())
		RETURNING ` + sessionColumns
	session, err := scanSession(r.db.Pool.QueryRow(ctx, query, uid))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateOpen
		}
		return nil, fmt.Errorf("insert parking session: %w", err)
	}
	return session, nil
}

// GetByID 获取停车记录
func (r *ParkingRepository) GetByID(ctx context.Context, id int64) (*models.ParkingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM parking_sessions WHERE id = $1`
	session, err := scanSession(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get parking session by id: %w", err)
	}
	return session, nil
}

// ListAll 获取全部停车记录，按入场时间倒序
func (r *ParkingRepository) ListAll(ctx context.Context) ([]*models.ParkingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM parking_sessions ORDER BY time_in DESC, id DESC`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list parking sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.ParkingSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
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
func (r *ParkingRepository) RunInTx(ctx context.Context, fn TxFunc) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		return fn(&pgSessionTx{q: tx})
	})
}

type pgSessionTx struct {
	q querier
}

func (t *pgSessionTx) FindOpenByUID(ctx context.Context, uid string) (*models.ParkingSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM parking_sessions
		WHERE uid = $1 AND time_out IS NULL
		ORDER BY time_in DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`
	session, err := scanSession(t.q.QueryRow(ctx, query, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open parking session: %w", err)
	}
	return session, nil
}

// SetExit 用 clock_timestamp() 取语句执行时刻，NOW() 在事务内固定为事务开始时间
func (t *pgSessionTx) SetExit(ctx context.Context, id int64) (time.Time, error) {
	var timeOut time.Time
	err := t.q.QueryRow(ctx, `
		UPDATE parking_sessions SET time_out = clock_timestamp()
		WHERE id = $1 AND time_out IS NULL
		RETURNING time_out
	`, id).Scan(&timeOut)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("set parking session exit: %w", err)
	}
	return timeOut, nil
}

func (t *pgSessionTx) ComputeDurationSeconds(ctx context.Context, id int64) (int64, error) {
	var seconds *int64
	err := t.q.QueryRow(ctx, `
		SELECT FLOOR(EXTRACT(EPOCH FROM (time_out - time_in)))::BIGINT
		FROM parking_sessions WHERE id = $1
	`, id).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("compute parking duration: %w", err)
	}
	if seconds == nil {
		return 0, fmt.Errorf("compute parking duration: session %d has no exit time", id)
	}
	return *seconds, nil
}

func (t *pgSessionTx) SetPaidAmount(ctx context.Context, id int64, amount int64) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE parking_sessions SET paid_amount = $1
		WHERE id = $2 AND time_out IS NOT NULL AND paid_amount IS NULL
	`, amount, id)
	if err != nil {
		return fmt.Errorf("set parking paid amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set parking paid amount: session %d is not awaiting payment", id)
	}
	return nil
}

func scanSession(row pgx.Row) (*models.ParkingSession, error) {
	session := &models.ParkingSession{}
	err := row.Scan(
		&session.ID,
		&session.UID,
		&session.TimeIn,
		&session.TimeOut,
		&session.PaidAmount,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}
