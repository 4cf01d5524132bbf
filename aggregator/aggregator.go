// Package aggregator computes the canonical DailyBranchMetrics row of each
// branch from the operational database and upserts it into the analytics
// store.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/models"
	"branchanalytics/source"
	"branchanalytics/stats"
	"branchanalytics/store"
)

// Actions reported per branch.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionError   = "error"
)

// BranchResult is the outcome of one branch.
type BranchResult struct {
	BranchID int    `json:"branch_id"`
	Action   string `json:"action"`
	MetricID int64  `json:"metric_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Aggregator struct {
	src    source.Operational
	store  store.MetricsStore
	loc    *time.Location
	logger *zap.Logger
}

func New(src source.Operational, ms store.MetricsStore, loc *time.Location, logger *zap.Logger) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{src: src, store: ms, loc: loc, logger: logger.Named("aggregator")}
}

// ComputeAndStore aggregates targetDate for each branch. An empty branchIDs
// means every active branch. A failing branch is reported and skipped; an
// unreachable source fails the whole call.
func (a *Aggregator) ComputeAndStore(ctx context.Context, targetDate time.Time, branchIDs []int) ([]BranchResult, error) {
	if err := a.src.Ping(ctx); err != nil {
		return nil, errs.Upstream("source database", err)
	}
	if len(branchIDs) == 0 {
		ids, err := a.src.ActiveBranchIDs(ctx)
		if err != nil {
			return nil, errs.Upstream("source database", err)
		}
		branchIDs = ids
	}

	day := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, a.loc)
	results := make([]BranchResult, 0, len(branchIDs))
	for _, id := range branchIDs {
		res := BranchResult{BranchID: id}
		m, err := a.Compute(ctx, id, day)
		if err == nil {
			var created bool
			res.MetricID, created, err = a.store.UpsertDailyMetrics(ctx, m)
			if created {
				res.Action = ActionCreated
			} else {
				res.Action = ActionUpdated
			}
		}
		if err != nil {
			a.logger.Error("branch aggregation failed",
				zap.Int("branch_id", id),
				zap.String("report_date", day.Format(models.DateLayout)),
				zap.Error(err))
			res = BranchResult{BranchID: id, Action: ActionError, Error: err.Error()}
		}
		results = append(results, res)
	}
	a.logger.Info("daily metrics aggregated",
		zap.String("report_date", day.Format(models.DateLayout)),
		zap.Int("branches", len(results)))
	return results, nil
}

// Compute builds the metrics row of one branch and day without storing it.
func (a *Aggregator) Compute(ctx context.Context, branchID int, day time.Time) (*models.DailyBranchMetrics, error) {
	start := day
	end := day.AddDate(0, 0, 1)
	m := &models.DailyBranchMetrics{BranchID: branchID, ReportDate: models.DateOnly(day)}
	m.SetCalendar()

	orders, err := a.src.Orders(ctx, branchID, start, end)
	if err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}
	a.revenue(m, orders)
	if err := a.customers(ctx, m, orders, start); err != nil {
		return nil, err
	}

	lines, err := a.src.OrderLines(ctx, branchID, start, end)
	if err != nil {
		return nil, fmt.Errorf("order details: %w", err)
	}
	products(m, lines)

	ratings, err := a.src.ReviewRatings(ctx, branchID, start, end)
	if err != nil {
		return nil, fmt.Errorf("reviews: %w", err)
	}
	if len(ratings) > 0 {
		avg := stats.Round(stats.Mean(ratings), 2)
		m.AvgReviewScore = &avg
	}

	stocks, err := a.src.StockLevels(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("stocks: %w", err)
	}
	inventory(m, stocks)

	cost, err := a.src.MaterialCost(ctx, branchID, start, end)
	if err != nil {
		return nil, fmt.Errorf("material cost: %w", err)
	}
	m.MaterialCost = decimal.NewNullDecimal(cost.Round(2))
	return m, nil
}

func (a *Aggregator) revenue(m *models.DailyBranchMetrics, orders []source.Order) {
	revenue := decimal.Zero
	paid := 0
	byHour := map[int]int{}
	for _, o := range orders {
		if o.CompletedAndPaid() {
			revenue = revenue.Add(o.TotalAmount)
			paid++
		}
		byHour[o.CreatedAt.In(a.loc).Hour()]++
	}
	count := len(orders)
	m.OrderCount = &count
	m.TotalRevenue = decimal.NewNullDecimal(revenue.Round(2))
	avg := decimal.Zero
	if paid > 0 {
		avg = revenue.Div(decimal.NewFromInt(int64(paid))).Round(2)
	}
	m.AvgOrderValue = decimal.NewNullDecimal(avg)

	if len(byHour) > 0 {
		peak, best := -1, -1
		for h := 0; h < 24; h++ {
			if byHour[h] > best {
				peak, best = h, byHour[h]
			}
		}
		m.PeakHour = &peak
	}
}

func (a *Aggregator) customers(ctx context.Context, m *models.DailyBranchMetrics, orders []source.Order, dayStart time.Time) error {
	registered := map[int64]bool{}
	walkIns := 0
	for _, o := range orders {
		if o.Registered() {
			registered[o.CustomerID.Int64] = true
		} else {
			walkIns++
		}
	}
	ids := make([]int64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	previous, err := a.src.CustomersBefore(ctx, m.BranchID, dayStart, ids)
	if err != nil {
		return fmt.Errorf("previous customers: %w", err)
	}
	repeat := 0
	for _, id := range ids {
		if previous[id] {
			repeat++
		}
	}
	newCustomers := len(ids) - repeat
	total := len(ids) + walkIns
	m.RepeatCustomers = &repeat
	m.NewCustomers = &newCustomers
	m.CustomerCount = &total
	return nil
}

func products(m *models.DailyBranchMetrics, lines []source.OrderLine) {
	qty := map[int]int{}
	totalQty := 0
	for _, l := range lines {
		qty[l.ProductID] += l.Quantity
		totalQty += l.Quantity
	}
	unique := len(qty)
	m.UniqueProductsSold = &unique

	if unique > 0 {
		ids := make([]int, 0, unique)
		for id := range qty {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		top := ids[0]
		for _, id := range ids[1:] {
			if qty[id] > qty[top] {
				top = id
			}
		}
		m.TopSellingProductID = &top
	}

	diversity := 0.0
	if totalQty > 0 {
		diversity = stats.Clamp(float64(unique)/float64(totalQty), 0, 1)
	}
	diversity = stats.Round(diversity, 4)
	m.ProductDiversityScore = &diversity
}

func inventory(m *models.DailyBranchMetrics, stocks []source.StockLevel) {
	low, out := 0, 0
	for _, s := range stocks {
		if s.Threshold > 0 && s.Quantity <= s.Threshold {
			low++
		}
		if s.Quantity <= 0 {
			out++
		}
	}
	m.LowStockProducts = &low
	m.OutOfStockProducts = &out
}
