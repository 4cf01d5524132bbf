package aggregator

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/source"
	"branchanalytics/store"
)

type fakeSource struct {
	pingErr  error
	orders   map[int][]source.Order
	previous map[int64]bool
	lines    []source.OrderLine
	ratings  []float64
	stocks   []source.StockLevel
	cost     decimal.Decimal
	failFor  int
}

func (f *fakeSource) Ping(context.Context) error { return f.pingErr }

func (f *fakeSource) ActiveBranchIDs(context.Context) ([]int, error) { return []int{1, 2}, nil }

func (f *fakeSource) Orders(_ context.Context, branchID int, _, _ time.Time) ([]source.Order, error) {
	if branchID == f.failFor {
		return nil, errors.New("boom")
	}
	return f.orders[branchID], nil
}

func (f *fakeSource) CustomersBefore(_ context.Context, _ int, _ time.Time, ids []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	for _, id := range ids {
		if f.previous[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeSource) OrderLines(context.Context, int, time.Time, time.Time) ([]source.OrderLine, error) {
	return f.lines, nil
}

func (f *fakeSource) ReviewRatings(context.Context, int, time.Time, time.Time) ([]float64, error) {
	return f.ratings, nil
}

func (f *fakeSource) StockLevels(context.Context, int) ([]source.StockLevel, error) {
	return f.stocks, nil
}

func (f *fakeSource) MaterialCost(context.Context, int, time.Time, time.Time) (decimal.Decimal, error) {
	return f.cost, nil
}

var target = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC) // Saturday

func order(id int64, customer int64, amount int64, status, payment string, hour int) source.Order {
	return source.Order{
		ID:            id,
		CustomerID:    sql.NullInt64{Int64: customer, Valid: customer != 0},
		TotalAmount:   decimal.NewFromInt(amount),
		Status:        status,
		PaymentStatus: payment,
		CreatedAt:     target.Add(time.Duration(hour) * time.Hour),
	}
}

func newSource() *fakeSource {
	return &fakeSource{
		orders: map[int][]source.Order{
			1: {
				order(1, 10, 100000, "COMPLETED", "PAID", 9),
				order(2, 11, 50000, "COMPLETED", "PAID", 9),
				order(3, 0, 30000, "COMPLETED", "PAID", 8),
				order(4, 10, 20000, "CANCELLED", "UNPAID", 8),
				order(5, 0, 10000, "PENDING", "UNPAID", 15),
			},
		},
		previous: map[int64]bool{10: true},
		lines:    []source.OrderLine{{ProductID: 5, Quantity: 3}, {ProductID: 2, Quantity: 3}, {ProductID: 9, Quantity: 2}},
		ratings:  []float64{4, 5, 4},
		stocks: []source.StockLevel{
			{ProductID: 1, Quantity: 2, Threshold: 5},
			{ProductID: 2, Quantity: 0, Threshold: 0},
			{ProductID: 3, Quantity: 50, Threshold: 5},
		},
		cost: decimal.RequireFromString("250000.456"),
	}
}

func TestComputeMetrics(t *testing.T) {
	a := New(newSource(), store.NewMemory(), time.UTC, zap.NewNop())
	m, err := a.Compute(context.Background(), 1, target)
	require.NoError(t, err)

	assert.Equal(t, "180000", m.TotalRevenue.Decimal.String())
	assert.Equal(t, 5, *m.OrderCount)
	assert.Equal(t, "60000", m.AvgOrderValue.Decimal.String())
	// 8h and 9h both have two orders; the earlier hour wins
	assert.Equal(t, 8, *m.PeakHour)

	assert.Equal(t, 1, *m.RepeatCustomers)
	assert.Equal(t, 1, *m.NewCustomers)
	assert.Equal(t, 4, *m.CustomerCount)

	assert.Equal(t, 3, *m.UniqueProductsSold)
	assert.Equal(t, 2, *m.TopSellingProductID)
	assert.InDelta(t, 0.375, *m.ProductDiversityScore, 1e-9)

	assert.InDelta(t, 4.33, *m.AvgReviewScore, 1e-9)
	assert.Equal(t, 1, *m.LowStockProducts)
	assert.Equal(t, 1, *m.OutOfStockProducts)
	assert.Equal(t, "250000.46", m.MaterialCost.Decimal.String())

	assert.Equal(t, 6, *m.DayOfWeek)
	assert.True(t, *m.IsWeekend)
}

func TestComputeEmptyDay(t *testing.T) {
	src := &fakeSource{}
	a := New(src, store.NewMemory(), time.UTC, zap.NewNop())
	m, err := a.Compute(context.Background(), 7, target)
	require.NoError(t, err)
	assert.Equal(t, 0, *m.OrderCount)
	assert.Nil(t, m.PeakHour)
	assert.Nil(t, m.AvgReviewScore)
	assert.Nil(t, m.TopSellingProductID)
	assert.Equal(t, 0.0, *m.ProductDiversityScore)
}

func TestComputeAndStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	src := newSource()
	a := New(src, mem, time.UTC, zap.NewNop())

	first, err := a.ComputeAndStore(ctx, target, []int{1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, ActionCreated, first[0].Action)

	src.ratings = []float64{2}
	second, err := a.ComputeAndStore(ctx, target, []int{1})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, second[0].Action)
	assert.Equal(t, first[0].MetricID, second[0].MetricID)

	rows, err := mem.ListDailyMetrics(ctx, 1, target, target)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2.0, *rows[0].AvgReviewScore)
}

func TestComputeAndStoreIsolatesBranchFailures(t *testing.T) {
	src := newSource()
	src.failFor = 2
	a := New(src, store.NewMemory(), time.UTC, zap.NewNop())

	res, err := a.ComputeAndStore(context.Background(), target, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, ActionCreated, res[0].Action)
	assert.Equal(t, ActionError, res[1].Action)
	assert.Contains(t, res[1].Error, "boom")
}

func TestComputeAndStoreSourceDown(t *testing.T) {
	src := newSource()
	src.pingErr = errors.New("connection refused")
	a := New(src, store.NewMemory(), time.UTC, zap.NewNop())

	_, err := a.ComputeAndStore(context.Background(), target, []int{1})
	assert.True(t, errs.Is(err, errs.KindUpstream))
}
