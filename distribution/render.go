package distribution

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	texttemplate "text/template"

	"branchanalytics/models"
)

// Rendered is a report ready to send.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

type metricRow struct {
	Label string
	Value string
}

type view struct {
	BranchID        int
	Date            string
	Level           string
	Overall         string
	Metrics         []metricRow
	Paragraphs      []string
	Recommendations []string
	Flags           []models.ValidationFlag
}

var summaryLabels = map[string]string{
	models.FieldTotalRevenue:   "Doanh thu",
	models.FieldOrderCount:     "Số đơn",
	models.FieldAvgOrderValue:  "Giá trị đơn trung bình",
	models.FieldCustomerCount:  "Khách hàng",
	models.FieldNewCustomers:   "Khách mới",
	models.FieldAvgReviewScore: "Điểm đánh giá",
	models.FieldPeakHour:       "Giờ cao điểm",
}

const textLayout = `Báo cáo ngày {{.Date}} - chi nhánh {{.BranchID}}
Độ tin cậy: {{.Level}} ({{.Overall}})

{{range .Metrics}}{{.Label}}: {{.Value}}
{{end}}
{{range .Paragraphs}}{{.}}

{{end}}{{if .Flags}}Cảnh báo:
{{range .Flags}}- [{{.Severity}}] {{.Message}}
{{end}}{{end}}`

const htmlLayout = `<!DOCTYPE html>
<html><body style="font-family:Arial,sans-serif;color:#222">
<h2>Báo cáo ngày {{.Date}} - chi nhánh {{.BranchID}}</h2>
<p>Độ tin cậy: <strong>{{.Level}}</strong> ({{.Overall}})</p>
{{if .Metrics}}<table cellpadding="6" style="border-collapse:collapse">
{{range .Metrics}}<tr><td>{{.Label}}</td><td style="text-align:right"><strong>{{.Value}}</strong></td></tr>
{{end}}</table>{{end}}
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}{{if .Recommendations}}<h3>Khuyến nghị</h3><ul>
{{range .Recommendations}}<li>{{.}}</li>
{{end}}</ul>{{end}}
{{if .Flags}}<h3>Cảnh báo</h3><ul>
{{range .Flags}}<li>[{{.Severity}}] {{.Message}}</li>
{{end}}</ul>{{end}}
</body></html>`

var (
	textTmpl = texttemplate.Must(texttemplate.New("report.txt").Parse(textLayout))
	htmlTmpl = htmltemplate.Must(htmltemplate.New("report.html").Parse(htmlLayout))
)

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return groupThousands(int64(t))
		}
		return fmt.Sprintf("%.2f", t)
	case int:
		return groupThousands(int64(t))
	case int64:
		return groupThousands(t)
	case nil:
		return "-"
	default:
		return fmt.Sprint(t)
	}
}

func groupThousands(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func newView(r *models.Report) view {
	v := view{
		BranchID:        r.BranchID,
		Date:            r.ReportDate.Format(models.DateLayout),
		Level:           r.ConfidenceLevel,
		Overall:         fmt.Sprintf("%.0f%%", r.OverallConfidence*100),
		Recommendations: r.Recommendations,
		Flags:           r.ValidationFlags,
	}
	keys := make([]string, 0, len(r.Summary))
	for k := range r.Summary {
		if _, ok := summaryLabels[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Metrics = append(v.Metrics, metricRow{Label: summaryLabels[k], Value: formatValue(r.Summary[k])})
	}
	for _, p := range strings.Split(r.Analysis, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			v.Paragraphs = append(v.Paragraphs, p)
		}
	}
	return v
}

// Render produces the subject and the plain and HTML bodies of r.
func Render(r *models.Report) (*Rendered, error) {
	v := newView(r)
	var txt, html bytes.Buffer
	if err := textTmpl.Execute(&txt, v); err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}
	if err := htmlTmpl.Execute(&html, v); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return &Rendered{
		Subject: fmt.Sprintf("[Báo cáo ngày] Chi nhánh %d - %s", r.BranchID, v.Date),
		Text:    txt.String(),
		HTML:    html.String(),
	}, nil
}
