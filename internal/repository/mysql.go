package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
	"github.com/lvdashuaibi/ticketsync/internal/model"
)

// schema 投影表结构，transactions.transaction_hash 的唯一索引是去重的依据
var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		organizer VARCHAR(42) NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		total_tickets_sold BIGINT UNSIGNED NOT NULL DEFAULT 0,
		revenue DECIMAL(65,0) NOT NULL DEFAULT 0,
		category VARCHAR(32) NOT NULL DEFAULT 'other',
		banner_image VARCHAR(512) NOT NULL DEFAULT '',
		transaction_hash VARCHAR(66) NOT NULL DEFAULT '',
		created_at DATETIME NULL,
		KEY idx_events_organizer (organizer),
		KEY idx_events_start_time (start_time)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS ticket_types (
		token_id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		event_id BIGINT UNSIGNED NOT NULL,
		name VARCHAR(255) NOT NULL,
		price DECIMAL(65,0) NOT NULL,
		max_supply BIGINT UNSIGNED NOT NULL,
		current_supply BIGINT UNSIGNED NOT NULL DEFAULT 0,
		start_sale_time DATETIME NOT NULL,
		end_sale_time DATETIME NOT NULL,
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		transaction_hash VARCHAR(66) NOT NULL DEFAULT '',
		KEY idx_ticket_types_event (event_id),
		CONSTRAINT chk_ticket_types_supply CHECK (current_supply <= max_supply)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id CHAR(36) NOT NULL PRIMARY KEY,
		event_id BIGINT UNSIGNED NOT NULL,
		ticket_type_id BIGINT UNSIGNED NOT NULL,
		owner VARCHAR(42) NOT NULL,
		ticket_type_name VARCHAR(255) NOT NULL,
		price DECIMAL(65,0) NOT NULL,
		transaction_hash VARCHAR(66) NOT NULL,
		is_used TINYINT(1) NOT NULL DEFAULT 0,
		checked_in_at DATETIME NULL,
		checked_in_by VARCHAR(42) NOT NULL DEFAULT '',
		KEY idx_tickets_type_owner (ticket_type_id, owner, is_used),
		KEY idx_tickets_owner_event (owner, event_id),
		KEY idx_tickets_tx (transaction_hash)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		transaction_hash VARCHAR(66) NOT NULL,
		type VARCHAR(32) NOT NULL,
		from_address VARCHAR(42) NOT NULL DEFAULT '',
		to_address VARCHAR(42) NOT NULL DEFAULT '',
		event_id BIGINT UNSIGNED NOT NULL DEFAULT 0,
		ticket_type_id BIGINT UNSIGNED NOT NULL DEFAULT 0,
		token_id VARCHAR(78) NOT NULL DEFAULT '',
		amount DECIMAL(65,0) NOT NULL DEFAULT 0,
		quantity BIGINT UNSIGNED NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		block_number BIGINT UNSIGNED NOT NULL DEFAULT 0,
		UNIQUE KEY uk_transactions_hash (transaction_hash),
		KEY idx_transactions_type_token (ticket_type_id, type, status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

const (
	eventColumns      = "event_id, name, description, organizer, start_time, end_time, is_active, total_tickets_sold, revenue, category, banner_image, transaction_hash, created_at"
	ticketTypeColumns = "token_id, event_id, name, price, max_supply, current_supply, start_sale_time, end_sale_time, is_active, transaction_hash"
	ticketColumns     = "id, event_id, ticket_type_id, owner, ticket_type_name, price, transaction_hash, is_used, checked_in_at, checked_in_by"
	txColumns         = "transaction_hash, type, from_address, to_address, event_id, ticket_type_id, token_id, amount, quantity, status, block_number"

	insertTxSQL = "INSERT IGNORE INTO transactions (" + txColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	// 金额参数以字符串传入，参与运算前必须转成 DECIMAL，否则 MySQL 按 DOUBLE 计算
	addEventTotalsSQL = "UPDATE events SET total_tickets_sold = total_tickets_sold + ?, revenue = revenue + CAST(? AS DECIMAL(65,0)) WHERE event_id = ?"
	setEventTotalsSQL = "UPDATE events SET total_tickets_sold = ?, revenue = CAST(? AS DECIMAL(65,0)) WHERE event_id = ?"
)

// MySQLRepository 投影存储的MySQL实现，写入与一致性读走主库，分页列表走从库
type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
	logger   *zap.Logger
}

var _ Store = (*MySQLRepository)(nil)

func NewMySQLRepository(cfg config.MySQLConfig, logger *zap.Logger) (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = sql.Open("mysql", cfg.Slave)
		if err != nil {
			masterDB.Close()
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}

		slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
		slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			logger.Warn("从数据库连接测试失败，将使用主数据库代替", zap.Error(err))
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryWithDB(masterDB, slaveDB, logger), nil
}

// NewMySQLRepositoryWithDB 使用已有连接构造，slaveDB 为空时读写都走主库
func NewMySQLRepositoryWithDB(masterDB, slaveDB *sql.DB, logger *zap.Logger) *MySQLRepository {
	if slaveDB == nil {
		slaveDB = masterDB
	}
	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
		logger:   logger.Named("mysql"),
	}
}

// Migrate 建表
func (r *MySQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行建表语句失败: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var ev model.Event
	var createdAt sql.NullTime
	err := row.Scan(&ev.EventID, &ev.Name, &ev.Description, &ev.Organizer, &ev.StartTime, &ev.EndTime,
		&ev.IsActive, &ev.TotalTicketsSold, &ev.Revenue, &ev.Category, &ev.BannerImage, &ev.TransactionHash, &createdAt)
	if err != nil {
		return nil, err
	}
	if createdAt.Valid {
		t := createdAt.Time.UTC()
		ev.CreatedAt = &t
	}
	ev.StartTime = ev.StartTime.UTC()
	ev.EndTime = ev.EndTime.UTC()
	return &ev, nil
}

func scanTicketType(row rowScanner) (*model.TicketType, error) {
	var tt model.TicketType
	err := row.Scan(&tt.TokenID, &tt.EventID, &tt.Name, &tt.Price, &tt.MaxSupply, &tt.CurrentSupply,
		&tt.StartSaleTime, &tt.EndSaleTime, &tt.IsActive, &tt.TransactionHash)
	if err != nil {
		return nil, err
	}
	tt.StartSaleTime = tt.StartSaleTime.UTC()
	tt.EndSaleTime = tt.EndSaleTime.UTC()
	return &tt, nil
}

func scanTicket(row rowScanner) (*model.Ticket, error) {
	var t model.Ticket
	var checkedInAt sql.NullTime
	err := row.Scan(&t.ID, &t.EventID, &t.TicketTypeID, &t.Owner, &t.TicketTypeName, &t.Price,
		&t.TransactionHash, &t.IsUsed, &checkedInAt, &t.CheckedInBy)
	if err != nil {
		return nil, err
	}
	if checkedInAt.Valid {
		at := checkedInAt.Time.UTC()
		t.CheckedInAt = &at
	}
	return &t, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("查询%s失败: %w", what, err)
}

// GetEvent 获取活动
func (r *MySQLRepository) GetEvent(ctx context.Context, eventID uint64) (*model.Event, error) {
	row := r.masterDB.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE event_id = ?", eventID)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("活动 %d", eventID))
	}
	return ev, nil
}

// GetTicketType 获取票种
func (r *MySQLRepository) GetTicketType(ctx context.Context, tokenID uint64) (*model.TicketType, error) {
	row := r.masterDB.QueryRowContext(ctx, "SELECT "+ticketTypeColumns+" FROM ticket_types WHERE token_id = ?", tokenID)
	tt, err := scanTicketType(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("票种 %d", tokenID))
	}
	return tt, nil
}

// GetTicket 获取门票
func (r *MySQLRepository) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	row := r.masterDB.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	t, err := scanTicket(row)
	if err != nil {
		return nil, notFound(err, "门票 "+id)
	}
	return t, nil
}

// GetTransaction 按交易哈希获取交易记录
func (r *MySQLRepository) GetTransaction(ctx context.Context, hash string) (*model.Transaction, error) {
	row := r.masterDB.QueryRowContext(ctx, "SELECT "+txColumns+" FROM transactions WHERE transaction_hash = ?", hash)
	var tx model.Transaction
	err := row.Scan(&tx.TransactionHash, &tx.Type, &tx.From, &tx.To, &tx.EventID, &tx.TicketTypeID,
		&tx.TokenID, &tx.Amount, &tx.Quantity, &tx.Status, &tx.BlockNumber)
	if err != nil {
		return nil, notFound(err, "交易 "+hash)
	}
	return &tx, nil
}

// ListEvents 分页查询活动，按开始时间排序
func (r *MySQLRepository) ListEvents(ctx context.Context, f EventFilter) ([]*model.Event, int64, error) {
	f.Page = f.Page.normalize()

	var where []string
	var args []interface{}
	if f.Organizer != "" {
		where = append(where, "organizer = ?")
		args = append(args, strings.ToLower(f.Organizer))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.slaveDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("统计活动数量失败: %w", err)
	}

	query := "SELECT " + eventColumns + " FROM events" + cond + " ORDER BY start_time ASC, event_id ASC LIMIT ? OFFSET ?"
	rows, err := r.slaveDB.QueryContext(ctx, query, append(args, f.Limit, f.offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询活动列表失败: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("扫描活动失败: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("迭代活动失败: %w", err)
	}
	return events, total, nil
}

// ListTicketTypes 查询票种，对账依赖它的结果所以走主库
func (r *MySQLRepository) ListTicketTypes(ctx context.Context, eventID *uint64) ([]*model.TicketType, error) {
	query := "SELECT " + ticketTypeColumns + " FROM ticket_types"
	var args []interface{}
	if eventID != nil {
		query += " WHERE event_id = ?"
		args = append(args, *eventID)
	}
	query += " ORDER BY token_id ASC"

	rows, err := r.masterDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询票种列表失败: %w", err)
	}
	defer rows.Close()

	var types []*model.TicketType
	for rows.Next() {
		tt, err := scanTicketType(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描票种失败: %w", err)
		}
		types = append(types, tt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代票种失败: %w", err)
	}
	return types, nil
}

// ListTickets 分页查询门票
func (r *MySQLRepository) ListTickets(ctx context.Context, f TicketFilter) ([]*model.Ticket, int64, error) {
	f.Page = f.Page.normalize()

	var where []string
	var args []interface{}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, strings.ToLower(f.Owner))
	}
	if f.EventID != nil {
		where = append(where, "event_id = ?")
		args = append(args, *f.EventID)
	}
	if f.TicketTypeID != nil {
		where = append(where, "ticket_type_id = ?")
		args = append(args, *f.TicketTypeID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.slaveDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM tickets"+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("统计门票数量失败: %w", err)
	}

	query := "SELECT " + ticketColumns + " FROM tickets" + cond + " ORDER BY id ASC LIMIT ? OFFSET ?"
	rows, err := r.slaveDB.QueryContext(ctx, query, append(args, f.Limit, f.offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询门票列表失败: %w", err)
	}
	defer rows.Close()

	var tickets []*model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("扫描门票失败: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("迭代门票失败: %w", err)
	}
	return tickets, total, nil
}

// CountTickets 统计票种下的门票数量
func (r *MySQLRepository) CountTickets(ctx context.Context, ticketTypeID uint64) (uint64, error) {
	var n uint64
	err := r.masterDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM tickets WHERE ticket_type_id = ?", ticketTypeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计门票数量失败: %w", err)
	}
	return n, nil
}

// SumPurchasedQuantity 统计已确认购买交易的数量
func (r *MySQLRepository) SumPurchasedQuantity(ctx context.Context, ticketTypeID uint64) (uint64, error) {
	var n uint64
	err := r.masterDB.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(quantity), 0) FROM transactions WHERE ticket_type_id = ? AND type = ? AND status = ?",
		ticketTypeID, model.TxPurchase, model.TxConfirmed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计购买数量失败: %w", err)
	}
	return n, nil
}

func txArgs(tx *model.Transaction) []interface{} {
	amount := tx.Amount
	if amount == "" {
		amount = "0"
	}
	return []interface{}{tx.TransactionHash, tx.Type, tx.From, tx.To, tx.EventID, tx.TicketTypeID,
		tx.TokenID, amount, tx.Quantity, tx.Status, tx.BlockNumber}
}

// CreateEvent 活动不存在时插入，并记录创建交易
func (r *MySQLRepository) CreateEvent(ctx context.Context, ev *model.Event, rec *model.Transaction) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	revenue := ev.Revenue
	if revenue == "" {
		revenue = "0"
	}
	res, err := tx.ExecContext(ctx,
		"INSERT IGNORE INTO events ("+eventColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		ev.EventID, ev.Name, ev.Description, ev.Organizer, ev.StartTime, ev.EndTime, ev.IsActive,
		ev.TotalTicketsSold, revenue, ev.Category, ev.BannerImage, ev.TransactionHash, ev.CreatedAt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("插入活动 %d 失败: %w", ev.EventID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		tx.Rollback()
		if err != nil {
			return fmt.Errorf("获取插入结果失败: %w", err)
		}
		return fmt.Errorf("活动 %d: %w", ev.EventID, ErrDuplicate)
	}

	if rec != nil {
		if _, err := tx.ExecContext(ctx, insertTxSQL, txArgs(rec)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("记录交易 %s 失败: %w", rec.TransactionHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// CreateTicketType 票种不存在时插入，并记录创建交易
func (r *MySQLRepository) CreateTicketType(ctx context.Context, tt *model.TicketType, rec *model.Transaction) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT IGNORE INTO ticket_types ("+ticketTypeColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		tt.TokenID, tt.EventID, tt.Name, tt.Price, tt.MaxSupply, tt.CurrentSupply,
		tt.StartSaleTime, tt.EndSaleTime, tt.IsActive, tt.TransactionHash)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("插入票种 %d 失败: %w", tt.TokenID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		tx.Rollback()
		if err != nil {
			return fmt.Errorf("获取插入结果失败: %w", err)
		}
		return fmt.Errorf("票种 %d: %w", tt.TokenID, ErrDuplicate)
	}

	if rec != nil {
		if _, err := tx.ExecContext(ctx, insertTxSQL, txArgs(rec)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("记录交易 %s 失败: %w", rec.TransactionHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// ApplyPurchase 在一个事务内完成去重、供应量递增、批量出票和活动汇总递增
func (r *MySQLRepository) ApplyPurchase(ctx context.Context, p *Purchase) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	// 交易哈希唯一，插入被忽略说明已处理过
	res, err := tx.ExecContext(ctx, insertTxSQL, txArgs(p.Transaction)...)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("记录交易 %s 失败: %w", p.Transaction.TransactionHash, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		tx.Rollback()
		if err != nil {
			return fmt.Errorf("获取插入结果失败: %w", err)
		}
		return fmt.Errorf("交易 %s: %w", p.Transaction.TransactionHash, ErrDuplicate)
	}

	res, err = tx.ExecContext(ctx,
		"UPDATE ticket_types SET current_supply = current_supply + ? WHERE token_id = ? AND current_supply + ? <= max_supply",
		p.Quantity, p.TicketTypeID, p.Quantity)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("更新票种 %d 供应量失败: %w", p.TicketTypeID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		tx.Rollback()
		if err != nil {
			return fmt.Errorf("获取更新结果失败: %w", err)
		}
		return r.supplyFailure(ctx, p.TicketTypeID)
	}

	ticketStmt, err := tx.PrepareContext(ctx,
		"INSERT IGNORE INTO tickets (id, event_id, ticket_type_id, owner, ticket_type_name, price, transaction_hash, is_used) VALUES (?, ?, ?, ?, ?, ?, ?, 0)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("准备出票语句失败: %w", err)
	}
	defer ticketStmt.Close()

	for _, t := range p.Tickets {
		if _, err := ticketStmt.ExecContext(ctx, t.ID, t.EventID, t.TicketTypeID, t.Owner, t.TicketTypeName, t.Price, t.TransactionHash); err != nil {
			tx.Rollback()
			return fmt.Errorf("插入门票 %s 失败: %w", t.ID, err)
		}
	}

	// 活动缺失时不影响票种与门票写入，由对账补齐汇总
	res, err = tx.ExecContext(ctx, addEventTotalsSQL, p.Quantity, p.Revenue, p.EventID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("更新活动 %d 汇总失败: %w", p.EventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Warn("购买对应的活动不存在，跳过汇总", zap.Uint64("eventId", p.EventID),
			zap.String("tx", p.Transaction.TransactionHash))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

func (r *MySQLRepository) supplyFailure(ctx context.Context, tokenID uint64) error {
	var n int
	if err := r.masterDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM ticket_types WHERE token_id = ?", tokenID).Scan(&n); err != nil {
		return fmt.Errorf("查询票种 %d 失败: %w", tokenID, err)
	}
	if n == 0 {
		return fmt.Errorf("票种 %d: %w", tokenID, ErrNotFound)
	}
	return fmt.Errorf("票种 %d: %w", tokenID, ErrSupplyExceeded)
}

// CheckIn 核销持票人编号最小的未使用门票
func (r *MySQLRepository) CheckIn(ctx context.Context, c *CheckIn) (*model.Ticket, error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}

	res, err := tx.ExecContext(ctx, insertTxSQL, txArgs(c.Transaction)...)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("记录交易 %s 失败: %w", c.Transaction.TransactionHash, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		tx.Rollback()
		if err != nil {
			return nil, fmt.Errorf("获取插入结果失败: %w", err)
		}
		return nil, fmt.Errorf("交易 %s: %w", c.Transaction.TransactionHash, ErrDuplicate)
	}

	holder := strings.ToLower(c.Holder)
	var id string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM tickets WHERE ticket_type_id = ? AND owner = ? AND is_used = 0 ORDER BY id ASC LIMIT 1 FOR UPDATE",
		c.TicketTypeID, holder).Scan(&id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			tx.Rollback()
			return nil, fmt.Errorf("查询待核销门票失败: %w", err)
		}
		var owned int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM tickets WHERE ticket_type_id = ? AND owner = ?",
			c.TicketTypeID, holder).Scan(&owned); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("统计持票数量失败: %w", err)
		}
		tx.Rollback()
		if owned == 0 {
			return nil, fmt.Errorf("票种 %d 持票人 %s: %w", c.TicketTypeID, holder, ErrNotFound)
		}
		return nil, fmt.Errorf("票种 %d 持票人 %s: %w", c.TicketTypeID, holder, ErrAlreadyUsed)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE tickets SET is_used = 1, checked_in_at = ?, checked_in_by = ? WHERE id = ? AND is_used = 0",
		c.CheckedInAt, c.CheckedInBy, id); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("核销门票 %s 失败: %w", id, err)
	}

	ticket, err := scanTicket(tx.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("读取门票 %s 失败: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}
	return ticket, nil
}

// SetTicketTypeSupply 直接设置供应量，仅供对账使用
func (r *MySQLRepository) SetTicketTypeSupply(ctx context.Context, tokenID, supply uint64) error {
	res, err := r.masterDB.ExecContext(ctx,
		"UPDATE ticket_types SET current_supply = LEAST(?, max_supply) WHERE token_id = ?", supply, tokenID)
	if err != nil {
		return fmt.Errorf("设置票种 %d 供应量失败: %w", tokenID, err)
	}
	return r.ensureUpdated(ctx, res, "ticket_types", "token_id", tokenID)
}

// SetEventAggregates 直接设置活动汇总，仅供对账使用
func (r *MySQLRepository) SetEventAggregates(ctx context.Context, eventID, totalTicketsSold uint64, revenue string) error {
	res, err := r.masterDB.ExecContext(ctx,
		setEventTotalsSQL, totalTicketsSold, revenue, eventID)
	if err != nil {
		return fmt.Errorf("设置活动 %d 汇总失败: %w", eventID, err)
	}
	return r.ensureUpdated(ctx, res, "events", "event_id", eventID)
}

// ensureUpdated 影响行数为0时区分“值未变化”和“记录不存在”
func (r *MySQLRepository) ensureUpdated(ctx context.Context, res sql.Result, table, key string, id uint64) error {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var n int
	if err := r.masterDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+key+" = ?", id).Scan(&n); err != nil {
		return fmt.Errorf("查询 %s %d 失败: %w", table, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", table, id, ErrNotFound)
	}
	return nil
}

// Ping 检查主库连接
func (r *MySQLRepository) Ping(ctx context.Context) error {
	return r.masterDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() error {
	var err error
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		err = r.slaveDB.Close()
	}
	if r.masterDB != nil {
		if cerr := r.masterDB.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
