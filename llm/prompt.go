package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"branchanalytics/models"
)

// SystemPrompt constrains the analysis: it is written for a branch manager,
// never names the underlying models and lists every anomalous feature.
const SystemPrompt = `Bạn là chuyên gia phân tích vận hành cho chuỗi cà phê.
Viết báo cáo ngày bằng tiếng Việt cho quản lý chi nhánh, dựa DUY NHẤT vào dữ liệu JSON được cung cấp.

Quy tắc bắt buộc:
1. Không nhắc tên bất kỳ mô hình, thuật toán hay công cụ nào (ví dụ Isolation Forest, Prophet, LightGBM, XGBoost, Gemini). Chỉ nói "hệ thống phân tích".
2. Nêu rõ các số liệu: doanh thu, số đơn, giá trị đơn trung bình, khách hàng, điểm đánh giá. Dùng đúng con số trong dữ liệu.
3. Trong mục "Bất thường", liệt kê TỪNG chỉ số nằm trong danh sách anomalous_features, mỗi chỉ số một dòng, ghi đúng tên trường. Nếu danh sách rỗng, ghi "Không phát hiện bất thường".
4. Nhận xét dự báo các ngày tới nếu có.
5. Kết thúc bằng mục "Khuyến nghị" gồm 3 đến 5 gạch đầu dòng, mỗi dòng bắt đầu bằng một động từ hành động.
6. Không bịa số liệu không có trong dữ liệu.`

// Request is the input of one analysis.
type Request struct {
	BranchID          int
	Date              string
	Snapshot          map[string]interface{}
	AnomalousFeatures []string
}

// UserPrompt renders the data part of the prompt.
func UserPrompt(req Request) (string, error) {
	data, err := json.MarshalIndent(req.Snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	feats := req.AnomalousFeatures
	if feats == nil {
		feats = []string{}
	}
	list, _ := json.Marshal(feats)

	var b strings.Builder
	fmt.Fprintf(&b, "Chi nhánh: %d\nNgày báo cáo: %s\n", req.BranchID, req.Date)
	fmt.Fprintf(&b, "anomalous_features: %s\n\n", list)
	b.WriteString("Dữ liệu:\n```json\n")
	b.Write(data)
	b.WriteString("\n```\n")
	return b.String(), nil
}

var modelNameRe = regexp.MustCompile(`(?i)\b(isolation[\s_-]?forest|iforest|prophet|lightgbm|light gbm|xgboost|gemini|llm)\b`)

// Sanitize replaces model and provider names with a neutral phrase.
func Sanitize(text string) string {
	return modelNameRe.ReplaceAllString(text, "hệ thống phân tích")
}

// MissingFeatures returns the anomalous features the text does not name.
func MissingFeatures(text string, feats []string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, f := range feats {
		name := strings.ToLower(f)
		if strings.Contains(lower, name) || strings.Contains(lower, strings.ReplaceAll(name, "_", " ")) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// EnsureFeatures appends a line for every anomalous feature the text omits.
func EnsureFeatures(text string, feats []string) string {
	missing := MissingFeatures(text, feats)
	if len(missing) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(text, "\n"))
	b.WriteString("\n\nChỉ số bất thường bổ sung:\n")
	for _, f := range missing {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}

// metricLabels are the Vietnamese names used by the fallback analysis.
var metricLabels = []struct {
	field, label string
	money        bool
}{
	{models.FieldTotalRevenue, "Doanh thu", true},
	{models.FieldOrderCount, "Số đơn", false},
	{models.FieldAvgOrderValue, "Giá trị đơn trung bình", true},
	{models.FieldCustomerCount, "Khách hàng", false},
	{models.FieldAvgReviewScore, "Điểm đánh giá", false},
}

func formatNumber(v float64, money bool) string {
	if !money {
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	}
	s := fmt.Sprintf("%d", int64(v+0.5))
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return b.String() + " đồng"
}

// Fallback builds a template analysis from the snapshot alone.
func Fallback(req Request) *Analysis {
	metrics, _ := req.Snapshot["metrics"].(map[string]interface{})

	var b strings.Builder
	fmt.Fprintf(&b, "Báo cáo ngày %s, chi nhánh %d.\n\nTổng quan:\n", req.Date, req.BranchID)
	for _, m := range metricLabels {
		v, ok := number(metrics[m.field])
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", m.label, formatNumber(v, m.money))
	}

	b.WriteString("\nBất thường:\n")
	feats := append([]string(nil), req.AnomalousFeatures...)
	sort.Strings(feats)
	if len(feats) == 0 {
		b.WriteString("Không phát hiện bất thường.\n")
	}
	for _, f := range feats {
		fmt.Fprintf(&b, "- %s\n", f)
	}

	recs := []string{"Theo dõi doanh thu và số đơn trong các ngày tới"}
	if len(feats) > 0 {
		recs = append(recs, "Kiểm tra nguyên nhân của các chỉ số bất thường")
	}
	recs = append(recs, "Rà soát tồn kho nguyên liệu trước giờ cao điểm")
	b.WriteString("\nKhuyến nghị:\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return &Analysis{
		Text:            b.String(),
		Recommendations: recs,
		Provider:        ProviderFallback,
		Fallback:        true,
	}
}

func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
