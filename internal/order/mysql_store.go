package order

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/wallet"
)

// schemaVersion 标记订单行的布局版本，后续迁移据此判断是否需要改写旧行。
const schemaVersion = 1

// MySQLStore 使用 MySQL 持久化订单。签名凭证以十六进制形式落库，
// 读取时立即还原为 Credential，绝不出现在查询日志可见的列之外。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore 并确保表结构就绪。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// newMySQLStoreFromDB 供测试注入 sqlmock 连接。
func newMySQLStoreFromDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS lst_orders (
        id VARCHAR(64) PRIMARY KEY,
        symbol VARCHAR(32) NOT NULL,
        token_address VARCHAR(42) NOT NULL,
        recipient VARCHAR(42) NOT NULL,
        slippage_bps INT NOT NULL,
        slippage_reason TEXT,
        deposit_address VARCHAR(42) NOT NULL,
        notify_target VARCHAR(128) DEFAULT '',
        recv_key VARCHAR(80) NOT NULL,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_attempts INT NOT NULL DEFAULT 10,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        swap_tx_hash VARCHAR(66) DEFAULT '',
        refund_tx_hash VARCHAR(66) DEFAULT '',
        delivered_raw VARCHAR(80) DEFAULT '',
        funded_at BIGINT NOT NULL DEFAULT 0,
        schema_version INT NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_order_status (status),
        INDEX idx_order_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 lst_orders 表失败")
	}
	// 旧表就地扩列，1060（列已存在）视为无需迁移。
	alters := []struct{ column, stmt string }{
		{"schema_version", `ALTER TABLE lst_orders ADD COLUMN schema_version INT NOT NULL DEFAULT 1 AFTER funded_at`},
		{"notify_target", `ALTER TABLE lst_orders ADD COLUMN notify_target VARCHAR(128) DEFAULT '' AFTER deposit_address`},
	}
	for _, alter := range alters {
		if _, err := s.db.Exec(alter.stmt); err != nil {
			var mysqlErr *mysql.MySQLError
			if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 lst_orders."+alter.column+" 失败")
			}
		}
	}
	return nil
}

// Create 插入新订单。
func (s *MySQLStore) Create(ctx context.Context, o *Order) error {
	if o == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	if strings.TrimSpace(o.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	if o.Credential == nil {
		return xerrors.New(CodeOrderValidation, "订单缺少签名凭证")
	}

	now := time.Now().Unix()
	o.CreatedAt = now
	o.UpdatedAt = now

	const stmt = `INSERT INTO lst_orders
        (id, symbol, token_address, recipient, slippage_bps, slippage_reason, deposit_address, notify_target, recv_key,
         status, attempts, max_attempts, last_error, error_code, funded_at, schema_version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		o.ID,
		o.Symbol,
		o.TokenAddress,
		o.Recipient,
		o.SlippageBps,
		o.SlippageReason,
		o.DepositAddress,
		o.NotifyTarget,
		o.Credential.Encode(),
		o.Status,
		o.Attempts,
		o.MaxAttempts,
		schemaVersion,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrOrderConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入订单失败")
	}
	return nil
}

const selectColumns = `id, symbol, token_address, recipient, slippage_bps, slippage_reason, deposit_address, notify_target, recv_key,
        status, attempts, max_attempts, last_error, error_code, swap_tx_hash, refund_tx_hash, delivered_raw,
        funded_at, created_at, updated_at`

func scanOrder(scan func(dest ...any) error) (*Order, error) {
	var o Order
	var reason, lastError, notifyTarget sql.NullString
	var encodedKey string
	if err := scan(
		&o.ID,
		&o.Symbol,
		&o.TokenAddress,
		&o.Recipient,
		&o.SlippageBps,
		&reason,
		&o.DepositAddress,
		&notifyTarget,
		&encodedKey,
		&o.Status,
		&o.Attempts,
		&o.MaxAttempts,
		&lastError,
		&o.ErrorCode,
		&o.SwapTxHash,
		&o.RefundTxHash,
		&o.DeliveredRaw,
		&o.FundedAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.SlippageReason = reason.String
	o.LastError = lastError.String
	o.NotifyTarget = notifyTarget.String

	cred, err := wallet.Decode(encodedKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "还原订单签名凭证失败")
	}
	o.Credential = cred
	return &o, nil
}

// Get 查询指定订单。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Order, error) {
	const stmt = `SELECT ` + selectColumns + ` FROM lst_orders WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	o, err := scanOrder(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单失败")
	}
	return o, nil
}

// ListActive 返回所有非终态订单，按创建时间升序。
func (s *MySQLStore) ListActive(ctx context.Context) ([]*Order, error) {
	const stmt = `SELECT ` + selectColumns + ` FROM lst_orders
        WHERE status IN (?, ?) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, StatusPending, StatusRefundPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询活跃订单失败")
	}
	defer rows.Close()

	orders := make([]*Order, 0, 8)
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单记录失败")
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单失败")
	}
	return orders, nil
}

// MarkFundingSeen 记录首次入金时间，只在 funded_at 为零时生效。
func (s *MySQLStore) MarkFundingSeen(ctx context.Context, id string) error {
	const stmt = `UPDATE lst_orders SET funded_at = ?, updated_at = ? WHERE id = ? AND funded_at = 0`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, now, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录入金时间失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// 已经记录过或订单不存在。区分两者以便调用方上报准确错误。
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkComplete 条件更新保证 pending → complete 的迁移是原子的。
func (s *MySQLStore) MarkComplete(ctx context.Context, id, txHash, deliveredRaw string) error {
	const stmt = `UPDATE lst_orders SET status = ?, swap_tx_hash = ?, delivered_raw = ?,
        last_error = '', error_code = '', updated_at = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusComplete, txHash, deliveredRaw, time.Now().Unix(), id, StatusPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记订单完成失败")
	}
	return s.requireTransition(ctx, res, id)
}

// MarkRefundPending 把订单转入退款轨道并递增 attempts。
func (s *MySQLStore) MarkRefundPending(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE lst_orders SET status = ?, attempts = attempts + 1, last_error = ?, error_code = ?,
        updated_at = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusRefundPending, lastError, string(code), time.Now().Unix(), id, StatusPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记订单待退款失败")
	}
	return s.requireTransition(ctx, res, id)
}

// MarkRefunded 条件更新保证 refund_pending → refunded 的迁移是原子的。
func (s *MySQLStore) MarkRefunded(ctx context.Context, id, txHash string) error {
	const stmt = `UPDATE lst_orders SET status = ?, refund_tx_hash = ?,
        last_error = '', error_code = '', updated_at = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusRefunded, txHash, time.Now().Unix(), id, StatusRefundPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记订单已退款失败")
	}
	return s.requireTransition(ctx, res, id)
}

// RecordFailure 记录一次失败的退款尝试，状态保持 refund_pending。
func (s *MySQLStore) RecordFailure(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE lst_orders SET attempts = attempts + 1, last_error = ?, error_code = ?,
        updated_at = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		lastError, string(code), time.Now().Unix(), id, StatusRefundPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录退款失败次数失败")
	}
	return s.requireTransition(ctx, res, id)
}

// requireTransition 把「零行受影响」归因为订单缺失或非法迁移。
func (s *MySQLStore) requireTransition(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
