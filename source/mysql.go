// Package source reads the operational systems: the MySQL order/catalog
// database (read-only) and the order and catalog HTTP services.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

// Order statuses counted as revenue.
const (
	OrderStatusCompleted = "COMPLETED"
	PaymentStatusPaid    = "PAID"
)

// Inventory transaction types that add material cost. ADJUSTMENT only counts
// when the quantity is positive.
var receiptTransactionTypes = []string{"RECEIPT", "PURCHASE", "IMPORT"}

type Order struct {
	ID            int64
	CustomerID    sql.NullInt64
	TotalAmount   decimal.Decimal
	Status        string
	PaymentStatus string
	CreatedAt     time.Time
}

// CompletedAndPaid reports whether the order counts towards revenue.
func (o Order) CompletedAndPaid() bool {
	return strings.EqualFold(o.Status, OrderStatusCompleted) && strings.EqualFold(o.PaymentStatus, PaymentStatusPaid)
}

// Registered reports whether the order belongs to a known customer.
func (o Order) Registered() bool {
	return o.CustomerID.Valid && o.CustomerID.Int64 != 0
}

type OrderLine struct {
	ProductID int
	Quantity  int
}

type StockLevel struct {
	ProductID int
	Quantity  float64
	Threshold float64
}

// Operational is the read-only view of the operational database used by the
// aggregator. Day bounds are [start, end).
type Operational interface {
	Ping(ctx context.Context) error
	ActiveBranchIDs(ctx context.Context) ([]int, error)
	Orders(ctx context.Context, branchID int, start, end time.Time) ([]Order, error)
	CustomersBefore(ctx context.Context, branchID int, before time.Time, ids []int64) (map[int64]bool, error)
	OrderLines(ctx context.Context, branchID int, start, end time.Time) ([]OrderLine, error)
	ReviewRatings(ctx context.Context, branchID int, start, end time.Time) ([]float64, error)
	StockLevels(ctx context.Context, branchID int) ([]StockLevel, error)
	MaterialCost(ctx context.Context, branchID int, start, end time.Time) (decimal.Decimal, error)
}

// MySQL implements Operational over database/sql.
type MySQL struct {
	db *sql.DB
}

// OpenMySQL opens a pooled connection. parseTime is forced so DATETIME
// columns scan into time.Time.
func OpenMySQL(dsn string, loc *time.Location) (*MySQL, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	if loc != nil {
		cfg.Loc = loc
	}
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &MySQL{db: db}, nil
}

// NewMySQL wraps an existing handle.
func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db}
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

func (m *MySQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQL) ActiveBranchIDs(ctx context.Context) ([]int, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM branches WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m *MySQL) Orders(ctx context.Context, branchID int, start, end time.Time) ([]Order, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, customer_id, total_amount, status, payment_status, created_at
		FROM orders
		WHERE branch_id = ? AND created_at >= ? AND created_at < ? AND deleted_at IS NULL
		ORDER BY created_at`, branchID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.TotalAmount, &o.Status, &o.PaymentStatus, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (m *MySQL) CustomersBefore(ctx context.Context, branchID int, before time.Time, ids []int64) (map[int64]bool, error) {
	seen := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, branchID, before)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := m.db.QueryContext(ctx, `
		SELECT DISTINCT customer_id
		FROM orders
		WHERE branch_id = ? AND created_at < ? AND deleted_at IS NULL AND customer_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query previous customers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

func (m *MySQL) OrderLines(ctx context.Context, branchID int, start, end time.Time) ([]OrderLine, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT od.product_id, SUM(od.quantity)
		FROM order_details od
		JOIN orders o ON o.id = od.order_id
		WHERE o.branch_id = ? AND o.created_at >= ? AND o.created_at < ? AND o.deleted_at IS NULL
		GROUP BY od.product_id
		ORDER BY od.product_id`, branchID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query order details: %w", err)
	}
	defer rows.Close()

	var out []OrderLine
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ProductID, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan order detail: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (m *MySQL) ReviewRatings(ctx context.Context, branchID int, start, end time.Time) ([]float64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT rating FROM reviews
		WHERE branch_id = ? AND created_at >= ? AND created_at < ? AND deleted_at IS NULL`, branchID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m *MySQL) StockLevels(ctx context.Context, branchID int) ([]StockLevel, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT product_id, quantity, COALESCE(min_threshold, 0)
		FROM stocks WHERE branch_id = ?`, branchID)
	if err != nil {
		return nil, fmt.Errorf("query stocks: %w", err)
	}
	defer rows.Close()

	var out []StockLevel
	for rows.Next() {
		var s StockLevel
		if err := rows.Scan(&s.ProductID, &s.Quantity, &s.Threshold); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (m *MySQL) MaterialCost(ctx context.Context, branchID int, start, end time.Time) (decimal.Decimal, error) {
	types := strings.TrimSuffix(strings.Repeat("?,", len(receiptTransactionTypes)), ",")
	args := []interface{}{branchID, start, end}
	for _, t := range receiptTransactionTypes {
		args = append(args, t)
	}
	var total decimal.Decimal
	err := m.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(line_total), 0)
		FROM inventory_transactions
		WHERE branch_id = ? AND created_at >= ? AND created_at < ?
		  AND (transaction_type IN (`+types+`) OR (transaction_type = 'ADJUSTMENT' AND quantity > 0))`, args...).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query material cost: %w", err)
	}
	return total, nil
}
