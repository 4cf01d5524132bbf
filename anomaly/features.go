package anomaly

import (
	"branchanalytics/models"
	"branchanalytics/registry"
)

// DefaultFeatures are the twelve columns of the branch anomaly model.
var DefaultFeatures = []string{
	models.FieldTotalRevenue,
	models.FieldOrderCount,
	models.FieldAvgOrderValue,
	models.FieldCustomerCount,
	models.FieldNewCustomers,
	models.FieldRepeatCustomers,
	models.FieldUniqueProductsSold,
	models.FieldProductDiversityScore,
	models.FieldPeakHour,
	models.FieldDayOfWeek,
	models.FieldIsWeekend,
	models.FieldAvgReviewScore,
}

// Group is one feature group of the ensemble.
type Group struct {
	Name      string
	Label     string
	Features  []string
	Reference string
}

// Groups lists the ensemble groups in evaluation order.
var Groups = []Group{
	{
		Name:  registry.GroupA,
		Label: "doanh thu & khách hàng",
		Features: []string{
			models.FieldTotalRevenue, models.FieldOrderCount, models.FieldAvgOrderValue,
			models.FieldCustomerCount, models.FieldNewCustomers, models.FieldRepeatCustomers,
			models.FieldDayOfWeek, models.FieldIsWeekend,
		},
		Reference: models.FieldTotalRevenue,
	},
	{
		Name:  registry.GroupB,
		Label: "chất lượng sản phẩm & dịch vụ",
		Features: []string{
			models.FieldAvgReviewScore, models.FieldUniqueProductsSold, models.FieldProductDiversityScore,
			models.FieldAvgPreparationTime, models.FieldStaffEfficiencyScore, models.FieldOrderCount,
		},
		Reference: models.FieldAvgReviewScore,
	},
	{
		Name:  registry.GroupC,
		Label: "kho & nguyên liệu",
		Features: []string{
			models.FieldLowStockProducts, models.FieldOutOfStockProducts, models.FieldMaterialCost,
			models.FieldWastePercentage, models.FieldTotalRevenue, models.FieldOrderCount,
		},
		Reference: models.FieldMaterialCost,
	},
	{
		Name:  registry.GroupD,
		Label: "vận hành",
		Features: []string{
			models.FieldPeakHour, models.FieldAvgPreparationTime, models.FieldStaffEfficiencyScore,
			models.FieldOrderCount, models.FieldCustomerCount, models.FieldWastePercentage,
		},
		Reference: models.FieldOrderCount,
	},
}

// GroupByName returns the group definition.
func GroupByName(name string) (Group, bool) {
	for _, g := range Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// dropCols are the metric fields a group does not use.
func (g Group) dropCols() []string {
	keep := make(map[string]bool, len(g.Features))
	for _, f := range g.Features {
		keep[f] = true
	}
	var out []string
	for _, f := range models.MetricFieldNames {
		if !keep[f] {
			out = append(out, f)
		}
	}
	return out
}
