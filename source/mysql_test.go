package source

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*MySQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMySQL(db), mock
}

var (
	dayStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	dayEnd   = dayStart.AddDate(0, 0, 1)
)

func TestActiveBranchIDs(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectQuery(`SELECT id FROM branches WHERE deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(3))

	ids, err := m.ActiveBranchIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrdersScansDecimalAndNullCustomer(t *testing.T) {
	m, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id", "customer_id", "total_amount", "status", "payment_status", "created_at"}).
		AddRow(10, 7, "125000.50", "COMPLETED", "PAID", dayStart.Add(9*time.Hour)).
		AddRow(11, nil, "40000", "CANCELLED", "REFUNDED", dayStart.Add(10*time.Hour))
	mock.ExpectQuery(`FROM orders`).WithArgs(2, dayStart, dayEnd).WillReturnRows(rows)

	orders, err := m.Orders(context.Background(), 2, dayStart, dayEnd)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "125000.5", orders[0].TotalAmount.String())
	assert.True(t, orders[0].CompletedAndPaid())
	assert.True(t, orders[0].Registered())
	assert.False(t, orders[1].Registered())
	assert.False(t, orders[1].CompletedAndPaid())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomersBeforeSkipsQueryWithoutIDs(t *testing.T) {
	m, mock := newMock(t)
	seen, err := m.CustomersBefore(context.Background(), 1, dayStart, nil)
	require.NoError(t, err)
	assert.Empty(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomersBefore(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectQuery(`customer_id IN \(\?,\?,\?\)`).
		WithArgs(1, dayStart, int64(5), int64(6), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id"}).AddRow(int64(6)))

	seen, err := m.CustomersBefore(context.Background(), 1, dayStart, []int64{5, 6, 7})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{6: true}, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterialCostFiltersReceiptTypes(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectQuery(`transaction_type IN \(\?,\?,\?\) OR \(transaction_type = 'ADJUSTMENT' AND quantity > 0\)`).
		WithArgs(4, dayStart, dayEnd, "RECEIPT", "PURCHASE", "IMPORT").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow("350000.00"))

	total, err := m.MaterialCost(context.Background(), 4, dayStart, dayEnd)
	require.NoError(t, err)
	assert.Equal(t, "350000", total.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStockLevelsQueryError(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectQuery(`FROM stocks`).WithArgs(1).WillReturnError(assert.AnError)

	_, err := m.StockLevels(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
