package confidence

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"branchanalytics/models"
	"branchanalytics/stats"
)

// metricTerms are the Vietnamese and English words that name a metric in
// the analysis text.
var metricTerms = map[string][]string{
	models.FieldTotalRevenue:   {"doanh thu", "revenue"},
	models.FieldOrderCount:     {"số đơn", "đơn hàng", "orders", "order count"},
	models.FieldAvgOrderValue:  {"giá trị đơn trung bình", "giá trị trung bình", "average order value", "aov"},
	models.FieldCustomerCount:  {"khách hàng", "lượt khách", "customers"},
	models.FieldAvgReviewScore: {"đánh giá", "điểm đánh giá", "rating", "review"},
	models.FieldNewCustomers:   {"khách mới", "new customers"},
	models.FieldPeakHour:       {"giờ cao điểm", "peak hour"},
	models.FieldMaterialCost:   {"chi phí nguyên liệu", "material cost"},
}

// ImportantMetrics must be discussed by a complete analysis.
var ImportantMetrics = []string{
	models.FieldTotalRevenue,
	models.FieldOrderCount,
	models.FieldAvgOrderValue,
	models.FieldCustomerCount,
	models.FieldAvgReviewScore,
}

// anomalyWords signal that the text discusses anomalies at all.
var anomalyWords = []string{"bất thường", "anomal", "outlier", "đột biến"}

// actionVerbs mark a recommendation as actionable.
var actionVerbs = []string{
	"tăng", "giảm", "cải thiện", "tối ưu", "kiểm tra", "đào tạo", "triển khai",
	"theo dõi", "điều chỉnh", "bổ sung", "khuyến mãi", "mở rộng", "rà soát",
	"increase", "reduce", "improve", "optimize", "optimise", "review", "train",
	"monitor", "adjust", "launch", "check", "promote", "expand",
}

// factTolerance is the absolute tolerance of a quoted value per metric; a
// quote within 10% of the actual value is also accepted.
var factTolerance = map[string]float64{
	models.FieldTotalRevenue:   10_000,
	models.FieldAvgOrderValue:  10_000,
	models.FieldMaterialCost:   10_000,
	models.FieldOrderCount:     2,
	models.FieldCustomerCount:  2,
	models.FieldNewCustomers:   2,
	models.FieldAvgReviewScore: 0.5,
	models.FieldPeakHour:       1,
}

// factWindow is how far after a metric term a number is looked for, in runes.
const factWindow = 60

var numberRe = regexp.MustCompile(`\d[\d.,]*(?:\s*(triệu|tr|nghìn|ngàn|k|million|m)\b)?`)

// mentions reports whether any term occurs in lower-cased text.
func mentions(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// MetricsCoverage is the share of ImportantMetrics mentioned in text.
func MetricsCoverage(text string) (float64, []string) {
	lower := strings.ToLower(text)
	var found []string
	for _, m := range ImportantMetrics {
		if mentions(lower, metricTerms[m]) || strings.Contains(lower, m) {
			found = append(found, m)
		}
	}
	return float64(len(found)) / float64(len(ImportantMetrics)), found
}

// AnomaliesCoverage is the share of anomalous features named in text, by
// field name, one of its tokens or a metric term. Without actual anomalies
// it is 1 for a text that mentions none and 0.5 otherwise.
func AnomaliesCoverage(text string, anomalous []string) float64 {
	lower := strings.ToLower(text)
	if len(anomalous) == 0 {
		if mentions(lower, anomalyWords) {
			return 0.5
		}
		return 1
	}
	hit := 0
	for _, a := range anomalous {
		name := strings.ToLower(a)
		terms := append([]string{name, strings.ReplaceAll(name, "_", " ")}, metricTerms[a]...)
		for _, tok := range strings.Split(name, "_") {
			if len(tok) >= 4 {
				terms = append(terms, tok)
			}
		}
		if mentions(lower, terms) {
			hit++
		}
	}
	return float64(hit) / float64(len(anomalous))
}

// parseNumber reads a quoted number in Vietnamese or English notation.
// Dots and commas are thousands separators unless they end a short decimal
// part; magnitude words scale the value.
func parseNumber(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	unit := ""
	if m := numberRe.FindStringSubmatch(raw); m != nil {
		unit = m[1]
	}
	digits := strings.TrimSpace(strings.TrimSuffix(raw, unit))
	digits = strings.TrimRight(digits, ".,")

	seps := strings.Count(digits, ".") + strings.Count(digits, ",")
	switch {
	case seps == 0:
	case seps == 1:
		i := strings.IndexAny(digits, ".,")
		frac := digits[i+1:]
		if len(frac) == 3 && unit == "" {
			digits = digits[:i] + frac
		} else {
			digits = digits[:i] + "." + frac
		}
	default:
		last := strings.LastIndexAny(digits, ".,")
		frac := digits[last+1:]
		head := strings.NewReplacer(".", "", ",", "").Replace(digits[:last])
		if len(frac) == 3 {
			digits = head + frac
		} else {
			digits = head + "." + frac
		}
	}
	v, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, false
	}
	switch unit {
	case "triệu", "tr", "million", "m":
		v *= 1_000_000
	case "nghìn", "ngàn", "k":
		v *= 1_000
	}
	return v, true
}

// FactAccuracy checks the first number after each metric term against the
// actual metric value. It returns the share of correct quotes, or 0.5 when
// the text quotes none.
func FactAccuracy(text string, actual map[string]float64) (float64, int) {
	lower := []rune(strings.ToLower(text))
	checked, correct := 0, 0
	for metric, terms := range metricTerms {
		want, ok := actual[metric]
		if !ok {
			continue
		}
		for _, term := range terms {
			pos := runeIndex(lower, term)
			if pos < 0 {
				continue
			}
			from := pos + len([]rune(term))
			to := from + factWindow
			if to > len(lower) {
				to = len(lower)
			}
			m := numberRe.FindString(string(lower[from:to]))
			if m == "" {
				continue
			}
			got, ok := parseNumber(m)
			if !ok {
				continue
			}
			checked++
			tol := math.Max(factTolerance[metric], 0.1*math.Abs(want))
			if math.Abs(got-want) <= tol {
				correct++
			}
			break
		}
	}
	if checked == 0 {
		return 0.5, 0
	}
	return float64(correct) / float64(checked), checked
}

func runeIndex(s []rune, sub string) int {
	i := strings.Index(string(s), sub)
	if i < 0 {
		return -1
	}
	return len([]rune(string(s)[:i]))
}

var bulletRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)

// ExtractRecommendations returns the bullet and numbered lines of text.
func ExtractRecommendations(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			out = append(out, strings.TrimSpace(m[1]))
		}
	}
	return out
}

// LogicConsistency is the share of recommendations with an action verb, or
// 0.5 without recommendations.
func LogicConsistency(recs []string) float64 {
	if len(recs) == 0 {
		return 0.5
	}
	n := 0
	for _, r := range recs {
		if mentions(strings.ToLower(r), actionVerbs) {
			n++
		}
	}
	return float64(n) / float64(len(recs))
}

// AIQuality scores an analysis against the metrics and anomalies it should
// discuss. recs may be nil, in which case they are extracted from text.
func AIQuality(text string, recs []string, actual map[string]float64, anomalous []string) (float64, map[string]interface{}) {
	if len(recs) == 0 {
		recs = ExtractRecommendations(text)
	}
	mc, found := MetricsCoverage(text)
	ac := AnomaliesCoverage(text, anomalous)
	fa, checked := FactAccuracy(text, actual)
	lc := LogicConsistency(recs)
	score := 0.3*mc + 0.3*ac + 0.2*fa + 0.2*lc
	return score, map[string]interface{}{
		"metrics_coverage":   stats.Round(mc, 4),
		"metrics_mentioned":  found,
		"anomalies_coverage": stats.Round(ac, 4),
		"fact_accuracy":      stats.Round(fa, 4),
		"facts_checked":      checked,
		"logic_consistency":  stats.Round(lc, 4),
		"recommendations":    len(recs),
		"ai_quality":         stats.Round(score, 4),
	}
}
