package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metric field names, shared by the feature builder, the comparator and the
// forecast engine.
const (
	FieldTotalRevenue          = "total_revenue"
	FieldOrderCount            = "order_count"
	FieldAvgOrderValue         = "avg_order_value"
	FieldPeakHour              = "peak_hour"
	FieldCustomerCount         = "customer_count"
	FieldNewCustomers          = "new_customers"
	FieldRepeatCustomers       = "repeat_customers"
	FieldUniqueProductsSold    = "unique_products_sold"
	FieldTopSellingProductID   = "top_selling_product_id"
	FieldProductDiversityScore = "product_diversity_score"
	FieldDayOfWeek             = "day_of_week"
	FieldIsWeekend             = "is_weekend"
	FieldAvgPreparationTime    = "avg_preparation_time_seconds"
	FieldStaffEfficiencyScore  = "staff_efficiency_score"
	FieldAvgReviewScore        = "avg_review_score"
	FieldMaterialCost          = "material_cost"
	FieldWastePercentage       = "waste_percentage"
	FieldLowStockProducts      = "low_stock_products"
	FieldOutOfStockProducts    = "out_of_stock_products"
)

// DailyBranchMetrics is the canonical per-(branch, day) record.
// Every measured field is nullable.
type DailyBranchMetrics struct {
	ID         int64     `json:"id"`
	BranchID   int       `json:"branch_id"`
	ReportDate time.Time `json:"report_date"`

	TotalRevenue  decimal.NullDecimal `json:"total_revenue"`
	OrderCount    *int                `json:"order_count"`
	AvgOrderValue decimal.NullDecimal `json:"avg_order_value"`
	PeakHour      *int                `json:"peak_hour"`

	CustomerCount   *int `json:"customer_count"`
	NewCustomers    *int `json:"new_customers"`
	RepeatCustomers *int `json:"repeat_customers"`

	UniqueProductsSold    *int     `json:"unique_products_sold"`
	TopSellingProductID   *int     `json:"top_selling_product_id"`
	ProductDiversityScore *float64 `json:"product_diversity_score"`

	DayOfWeek *int  `json:"day_of_week"`
	IsWeekend *bool `json:"is_weekend"`

	AvgPreparationTimeSeconds *int     `json:"avg_preparation_time_seconds"`
	StaffEfficiencyScore      *float64 `json:"staff_efficiency_score"`

	AvgReviewScore  *float64            `json:"avg_review_score"`
	MaterialCost    decimal.NullDecimal `json:"material_cost"`
	WastePercentage *float64            `json:"waste_percentage"`

	LowStockProducts   *int `json:"low_stock_products"`
	OutOfStockProducts *int `json:"out_of_stock_products"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type fieldGetter func(m *DailyBranchMetrics) (float64, bool)

func intField(get func(m *DailyBranchMetrics) *int) fieldGetter {
	return func(m *DailyBranchMetrics) (float64, bool) {
		p := get(m)
		if p == nil {
			return 0, false
		}
		return float64(*p), true
	}
}

func floatField(get func(m *DailyBranchMetrics) *float64) fieldGetter {
	return func(m *DailyBranchMetrics) (float64, bool) {
		p := get(m)
		if p == nil {
			return 0, false
		}
		return *p, true
	}
}

func decimalField(get func(m *DailyBranchMetrics) decimal.NullDecimal) fieldGetter {
	return func(m *DailyBranchMetrics) (float64, bool) {
		d := get(m)
		if !d.Valid {
			return 0, false
		}
		return d.Decimal.InexactFloat64(), true
	}
}

var metricFields = map[string]fieldGetter{
	FieldTotalRevenue:          decimalField(func(m *DailyBranchMetrics) decimal.NullDecimal { return m.TotalRevenue }),
	FieldOrderCount:            intField(func(m *DailyBranchMetrics) *int { return m.OrderCount }),
	FieldAvgOrderValue:         decimalField(func(m *DailyBranchMetrics) decimal.NullDecimal { return m.AvgOrderValue }),
	FieldPeakHour:              intField(func(m *DailyBranchMetrics) *int { return m.PeakHour }),
	FieldCustomerCount:         intField(func(m *DailyBranchMetrics) *int { return m.CustomerCount }),
	FieldNewCustomers:          intField(func(m *DailyBranchMetrics) *int { return m.NewCustomers }),
	FieldRepeatCustomers:       intField(func(m *DailyBranchMetrics) *int { return m.RepeatCustomers }),
	FieldUniqueProductsSold:    intField(func(m *DailyBranchMetrics) *int { return m.UniqueProductsSold }),
	FieldTopSellingProductID:   intField(func(m *DailyBranchMetrics) *int { return m.TopSellingProductID }),
	FieldProductDiversityScore: floatField(func(m *DailyBranchMetrics) *float64 { return m.ProductDiversityScore }),
	FieldDayOfWeek:             intField(func(m *DailyBranchMetrics) *int { return m.DayOfWeek }),
	FieldIsWeekend: func(m *DailyBranchMetrics) (float64, bool) {
		if m.IsWeekend == nil {
			return 0, false
		}
		if *m.IsWeekend {
			return 1, true
		}
		return 0, true
	},
	FieldAvgPreparationTime:   intField(func(m *DailyBranchMetrics) *int { return m.AvgPreparationTimeSeconds }),
	FieldStaffEfficiencyScore: floatField(func(m *DailyBranchMetrics) *float64 { return m.StaffEfficiencyScore }),
	FieldAvgReviewScore:       floatField(func(m *DailyBranchMetrics) *float64 { return m.AvgReviewScore }),
	FieldMaterialCost:         decimalField(func(m *DailyBranchMetrics) decimal.NullDecimal { return m.MaterialCost }),
	FieldWastePercentage:      floatField(func(m *DailyBranchMetrics) *float64 { return m.WastePercentage }),
	FieldLowStockProducts:     intField(func(m *DailyBranchMetrics) *int { return m.LowStockProducts }),
	FieldOutOfStockProducts:   intField(func(m *DailyBranchMetrics) *int { return m.OutOfStockProducts }),
}

// MetricFieldNames lists every numeric field in declaration order.
var MetricFieldNames = []string{
	FieldTotalRevenue, FieldOrderCount, FieldAvgOrderValue, FieldPeakHour,
	FieldCustomerCount, FieldNewCustomers, FieldRepeatCustomers,
	FieldUniqueProductsSold, FieldTopSellingProductID, FieldProductDiversityScore,
	FieldDayOfWeek, FieldIsWeekend,
	FieldAvgPreparationTime, FieldStaffEfficiencyScore,
	FieldAvgReviewScore, FieldMaterialCost, FieldWastePercentage,
	FieldLowStockProducts, FieldOutOfStockProducts,
}

// IsMetricField reports whether name is a known numeric field.
func IsMetricField(name string) bool {
	_, ok := metricFields[name]
	return ok
}

// Value returns the field as float64 (booleans as 0/1). ok is false when the
// field is null; known is false when name is not a metric field.
func (m *DailyBranchMetrics) Value(name string) (v float64, ok bool, known bool) {
	get, found := metricFields[name]
	if !found {
		return 0, false, false
	}
	v, ok = get(m)
	return v, ok, true
}

// Float returns the field value, treating null and unknown names as 0.
func (m *DailyBranchMetrics) Float(name string) float64 {
	v, _, _ := m.Value(name)
	return v
}

// Snapshot returns the metric fields as a JSON-friendly map with nulls kept.
func (m *DailyBranchMetrics) Snapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(MetricFieldNames)+2)
	out["branch_id"] = m.BranchID
	out["report_date"] = m.ReportDate.Format(DateLayout)
	for _, name := range MetricFieldNames {
		v, ok, _ := m.Value(name)
		if !ok {
			out[name] = nil
			continue
		}
		out[name] = v
	}
	return out
}

// ISOWeekday returns 1 (Monday) .. 7 (Sunday).
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// SetCalendar derives day_of_week and is_weekend from the report date.
func (m *DailyBranchMetrics) SetCalendar() {
	dow := ISOWeekday(m.ReportDate)
	weekend := dow >= 6
	m.DayOfWeek = &dow
	m.IsWeekend = &weekend
}

// DateLayout is the canonical date format used in JSON maps and keys.
const DateLayout = "2006-01-02"

// DateOnly truncates t to midnight in its own location.
func DateOnly(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
