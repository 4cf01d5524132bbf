// Package prophet fits a decomposable daily time-series model in the style of
// Facebook Prophet: a piecewise-linear trend with automatic changepoints,
// Fourier seasonalities and standardised extra regressors, estimated with a
// ridge-penalised least-squares solve. Seasonality can be additive or
// multiplicative on the trend.
package prophet

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"branchanalytics/stats"
)

const (
	ModeAdditive       = "additive"
	ModeMultiplicative = "multiplicative"
)

// Params mirrors the subset of Prophet options the forecast engine tunes.
type Params struct {
	SeasonalityMode       string  `json:"seasonality_mode"`
	YearlySeasonality     bool    `json:"yearly_seasonality"`
	WeeklySeasonality     bool    `json:"weekly_seasonality"`
	DailySeasonality      bool    `json:"daily_seasonality"`
	IntervalWidth         float64 `json:"interval_width"`
	ChangepointPriorScale float64 `json:"changepoint_prior_scale"`
	SeasonalityPriorScale float64 `json:"seasonality_prior_scale"`
	NChangepoints         int     `json:"n_changepoints"`
	ChangepointRange      float64 `json:"changepoint_range"`
	WeeklyOrder           int     `json:"weekly_fourier_order"`
	YearlyOrder           int     `json:"yearly_fourier_order"`
}

// DefaultParams returns Prophet's defaults.
func DefaultParams() Params {
	return Params{
		SeasonalityMode:       ModeAdditive,
		YearlySeasonality:     true,
		WeeklySeasonality:     true,
		IntervalWidth:         0.95,
		ChangepointPriorScale: 0.05,
		SeasonalityPriorScale: 10,
		NChangepoints:         25,
		ChangepointRange:      0.8,
		WeeklyOrder:           3,
		YearlyOrder:           10,
	}
}

func (p Params) normalise() Params {
	d := DefaultParams()
	if p.SeasonalityMode != ModeMultiplicative {
		p.SeasonalityMode = ModeAdditive
	}
	if p.IntervalWidth <= 0 || p.IntervalWidth >= 1 {
		p.IntervalWidth = d.IntervalWidth
	}
	if p.ChangepointPriorScale <= 0 {
		p.ChangepointPriorScale = d.ChangepointPriorScale
	}
	if p.SeasonalityPriorScale <= 0 {
		p.SeasonalityPriorScale = d.SeasonalityPriorScale
	}
	if p.NChangepoints < 0 {
		p.NChangepoints = d.NChangepoints
	}
	if p.ChangepointRange <= 0 || p.ChangepointRange > 1 {
		p.ChangepointRange = d.ChangepointRange
	}
	if p.WeeklyOrder <= 0 {
		p.WeeklyOrder = d.WeeklyOrder
	}
	if p.YearlyOrder <= 0 {
		p.YearlyOrder = d.YearlyOrder
	}
	return p
}

// Regressor is an extra regressor with the standardisation learnt at fit time.
type Regressor struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Frame is the training input. Regressors columns align with DS.
type Frame struct {
	DS         []time.Time
	Y          []float64
	Regressors map[string][]float64
}

// FutureRow is one date to predict with its regressor values.
type FutureRow struct {
	DS         time.Time
	Regressors map[string]float64
}

// Point is one prediction.
type Point struct {
	DS    time.Time `json:"ds"`
	Yhat  float64   `json:"yhat"`
	Lower float64   `json:"yhat_lower"`
	Upper float64   `json:"yhat_upper"`
	Trend float64   `json:"trend"`
}

// Model is a fitted model. It is serialisable with encoding/json.
type Model struct {
	Params       Params      `json:"params"`
	Start        time.Time   `json:"start"`
	End          time.Time   `json:"end"`
	TScale       float64     `json:"t_scale"`
	YScale       float64     `json:"y_scale"`
	Changepoints []float64   `json:"changepoints"`
	Regressors   []Regressor `json:"regressors"`
	YearlyActive bool        `json:"yearly_active"`
	TrendBeta    []float64   `json:"trend_beta"`
	SeasonBeta   []float64   `json:"season_beta"`
	Sigma        float64     `json:"sigma"`
	NTrain       int         `json:"n_train"`
}

// ExtraRegressors returns the regressor names the model was actually fitted with.
func (m *Model) ExtraRegressors() []string {
	out := make([]string, len(m.Regressors))
	for i, r := range m.Regressors {
		out[i] = r.Name
	}
	return out
}

// Fit estimates the model. Rows with a NaN target are dropped; NaN regressor
// values are replaced by the regressor mean.
func Fit(f Frame, regressors []string, p Params) (*Model, error) {
	p = p.normalise()
	if len(f.DS) != len(f.Y) {
		return nil, fmt.Errorf("prophet: %d dates and %d values", len(f.DS), len(f.Y))
	}

	idx := make([]int, 0, len(f.DS))
	for i, v := range f.Y {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			idx = append(idx, i)
		}
	}
	if len(idx) < 2 {
		return nil, fmt.Errorf("prophet: need at least 2 non-NaN rows, got %d", len(idx))
	}
	sort.SliceStable(idx, func(a, b int) bool { return f.DS[idx[a]].Before(f.DS[idx[b]]) })

	m := &Model{Params: p, NTrain: len(idx)}
	m.Start = f.DS[idx[0]]
	m.End = f.DS[idx[len(idx)-1]]
	m.TScale = m.End.Sub(m.Start).Hours() / 24
	if m.TScale <= 0 {
		return nil, fmt.Errorf("prophet: history spans a single day")
	}
	for _, i := range idx {
		m.YScale = math.Max(m.YScale, math.Abs(f.Y[i]))
	}
	if m.YScale == 0 {
		m.YScale = 1
	}
	m.YearlyActive = p.YearlySeasonality && m.TScale >= 365

	for _, name := range regressors {
		col, ok := f.Regressors[name]
		if !ok || len(col) != len(f.DS) {
			return nil, fmt.Errorf("prophet: regressor %q missing or misaligned", name)
		}
		var vals []float64
		for _, i := range idx {
			if !math.IsNaN(col[i]) {
				vals = append(vals, col[i])
			}
		}
		mean, std := stats.MeanStd(vals)
		if len(vals) == 0 || std == 0 || math.IsNaN(std) {
			std = 1
		}
		m.Regressors = append(m.Regressors, Regressor{Name: name, Mean: mean, Std: std})
	}

	ts := make([]float64, len(idx))
	y := make([]float64, len(idx))
	seasonal := make([][]float64, len(idx))
	for k, i := range idx {
		ts[k] = m.scaleT(f.DS[i])
		y[k] = f.Y[i] / m.YScale
		regs := make(map[string]float64, len(m.Regressors))
		for _, r := range m.Regressors {
			v := f.Regressors[r.Name][i]
			if math.IsNaN(v) {
				v = r.Mean
			}
			regs[r.Name] = v
		}
		seasonal[k] = m.seasonalRow(f.DS[i], regs)
	}
	m.Changepoints = placeChangepoints(ts, p.NChangepoints, p.ChangepointRange)

	trendRows := make([][]float64, len(ts))
	for k, t := range ts {
		trendRows[k] = m.trendRow(t)
	}

	if p.SeasonalityMode == ModeMultiplicative {
		if err := m.fitMultiplicative(trendRows, seasonal, y); err != nil {
			return nil, err
		}
	} else if err := m.fitAdditive(trendRows, seasonal, y); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) fitAdditive(trendRows, seasonal [][]float64, y []float64) error {
	nt := len(trendRows[0])
	rows := make([][]float64, len(y))
	for i := range rows {
		rows[i] = append(append([]float64{}, trendRows[i]...), seasonal[i]...)
	}
	beta, err := ridge(rows, y, m.penalties(nt, len(seasonal[0])))
	if err != nil {
		return err
	}
	m.TrendBeta, m.SeasonBeta = beta[:nt], beta[nt:]

	var ss float64
	for i := range y {
		d := y[i] - dot(m.TrendBeta, trendRows[i]) - dot(m.SeasonBeta, seasonal[i])
		ss += d * d
	}
	m.Sigma = residualSigma(ss, len(y), len(beta)) * m.YScale
	return nil
}

// fitMultiplicative fits the trend first, then the seasonal and regressor
// terms on the ratio y/trend - 1.
func (m *Model) fitMultiplicative(trendRows, seasonal [][]float64, y []float64) error {
	nt := len(trendRows[0])
	tb, err := ridge(trendRows, y, m.penalties(nt, 0))
	if err != nil {
		return err
	}
	m.TrendBeta = tb

	ratio := make([]float64, len(y))
	trend := make([]float64, len(y))
	for i := range y {
		trend[i] = dot(tb, trendRows[i])
		if trend[i] <= 1e-9 {
			return fmt.Errorf("prophet: multiplicative seasonality needs a positive trend")
		}
		ratio[i] = y[i]/trend[i] - 1
	}
	if len(seasonal[0]) > 0 {
		sb, err := ridge(seasonal, ratio, m.penalties(0, len(seasonal[0])))
		if err != nil {
			return err
		}
		m.SeasonBeta = sb
	}

	var ss float64
	for i := range y {
		d := y[i] - trend[i]*(1+dot(m.SeasonBeta, seasonal[i]))
		ss += d * d
	}
	m.Sigma = residualSigma(ss, len(y), len(tb)+len(m.SeasonBeta)) * m.YScale
	return nil
}

func residualSigma(ss float64, n, k int) float64 {
	dof := n - k
	if dof < 1 {
		dof = n
	}
	return math.Sqrt(ss / float64(dof))
}

// penalties returns the ridge diagonal: intercept and slope are almost free,
// changepoint deltas follow the changepoint prior, seasonal and regressor
// terms follow the seasonality prior.
func (m *Model) penalties(nTrend, nSeason int) []float64 {
	pen := make([]float64, 0, nTrend+nSeason)
	for j := 0; j < nTrend; j++ {
		if j < 2 {
			pen = append(pen, 1e-8)
		} else {
			pen = append(pen, 0.01/(m.Params.ChangepointPriorScale*m.Params.ChangepointPriorScale))
		}
	}
	for j := 0; j < nSeason; j++ {
		pen = append(pen, 0.01/(m.Params.SeasonalityPriorScale*m.Params.SeasonalityPriorScale))
	}
	return pen
}

func (m *Model) scaleT(ds time.Time) float64 {
	return ds.Sub(m.Start).Hours() / 24 / m.TScale
}

func (m *Model) trendRow(t float64) []float64 {
	row := make([]float64, 2+len(m.Changepoints))
	row[0], row[1] = 1, t
	for j, s := range m.Changepoints {
		row[2+j] = math.Max(0, t-s)
	}
	return row
}

func (m *Model) seasonalRow(ds time.Time, regs map[string]float64) []float64 {
	var row []float64
	days := ds.Sub(time.Unix(0, 0).UTC()).Hours() / 24
	if m.Params.WeeklySeasonality {
		row = append(row, fourier(days, 7, m.Params.WeeklyOrder)...)
	}
	if m.YearlyActive {
		row = append(row, fourier(days, 365.25, m.Params.YearlyOrder)...)
	}
	for _, r := range m.Regressors {
		row = append(row, (regs[r.Name]-r.Mean)/r.Std)
	}
	return row
}

func fourier(days, period float64, order int) []float64 {
	out := make([]float64, 0, 2*order)
	for k := 1; k <= order; k++ {
		x := 2 * math.Pi * float64(k) * days / period
		out = append(out, math.Sin(x), math.Cos(x))
	}
	return out
}

func placeChangepoints(ts []float64, n int, rng float64) []float64 {
	hist := int(math.Floor(float64(len(ts)) * rng))
	if n > hist-1 {
		n = hist - 1
	}
	if n <= 0 {
		return nil
	}
	cps := make([]float64, 0, n)
	for j := 1; j <= n; j++ {
		pos := int(math.Round(float64(j) * float64(hist-1) / float64(n)))
		cps = append(cps, ts[pos])
	}
	return cps
}

// Predict returns yhat with intervals for each future row. Every fitted
// regressor must be present in each row.
func (m *Model) Predict(rows []FutureRow) ([]Point, error) {
	z := distuv.UnitNormal.Quantile(0.5 + m.Params.IntervalWidth/2)
	out := make([]Point, len(rows))
	for i, r := range rows {
		for _, reg := range m.Regressors {
			if _, ok := r.Regressors[reg.Name]; !ok {
				return nil, fmt.Errorf("prophet: regressor %q missing for %s", reg.Name, r.DS.Format("2006-01-02"))
			}
		}
		t := m.scaleT(r.DS)
		trend := dot(m.TrendBeta, m.trendRow(t))
		season := dot(m.SeasonBeta, m.seasonalRow(r.DS, r.Regressors))

		var yhat float64
		if m.Params.SeasonalityMode == ModeMultiplicative {
			yhat = trend * (1 + season)
		} else {
			yhat = trend + season
		}
		yhat *= m.YScale

		half := z * m.Sigma * m.horizonFactor(r.DS)
		out[i] = Point{DS: r.DS, Yhat: yhat, Lower: yhat - half, Upper: yhat + half, Trend: trend * m.YScale}
	}
	return out, nil
}

// horizonFactor widens intervals beyond the end of the history to account
// for trend uncertainty.
func (m *Model) horizonFactor(ds time.Time) float64 {
	h := ds.Sub(m.End).Hours() / 24
	if h <= 0 {
		return 1
	}
	return math.Sqrt(1 + h/float64(m.NTrain))
}

// Validate checks structural consistency after decoding.
func (m *Model) Validate() error {
	if m.TScale <= 0 || m.YScale <= 0 {
		return fmt.Errorf("prophet: invalid scaling")
	}
	if len(m.TrendBeta) != 2+len(m.Changepoints) {
		return fmt.Errorf("prophet: trend has %d coefficients, want %d", len(m.TrendBeta), 2+len(m.Changepoints))
	}
	want := len(m.Regressors)
	if m.Params.WeeklySeasonality {
		want += 2 * m.Params.WeeklyOrder
	}
	if m.YearlyActive {
		want += 2 * m.Params.YearlyOrder
	}
	if len(m.SeasonBeta) != want {
		return fmt.Errorf("prophet: seasonal block has %d coefficients, want %d", len(m.SeasonBeta), want)
	}
	return nil
}

// ridge solves (XᵀX + diag(pen)) β = Xᵀy.
func ridge(rows [][]float64, y []float64, pen []float64) ([]float64, error) {
	p := len(pen)
	if p == 0 {
		return nil, nil
	}
	xtx := make([]float64, p*p)
	xty := make([]float64, p)
	for i, r := range rows {
		for a := 0; a < p; a++ {
			xty[a] += r[a] * y[i]
			for b := a; b < p; b++ {
				xtx[a*p+b] += r[a] * r[b]
			}
		}
	}
	for a := 0; a < p; a++ {
		xtx[a*p+a] += pen[a]
		for b := 0; b < a; b++ {
			xtx[a*p+b] = xtx[b*p+a]
		}
	}
	sym := mat.NewSymDense(p, xtx)
	rhs := mat.NewVecDense(p, xty)
	beta := mat.NewVecDense(p, nil)

	var chol mat.Cholesky
	if chol.Factorize(sym) {
		if err := chol.SolveVecTo(beta, rhs); err == nil {
			return beta.RawVector().Data, nil
		}
	}
	if err := beta.SolveVec(sym, rhs); err != nil {
		return nil, fmt.Errorf("prophet: normal equations: %w", err)
	}
	return beta.RawVector().Data, nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
