// Package cli exposes the training, prediction and reporting operations as
// one-shot subcommands. Logs go to stderr; the result is printed as a single
// JSON line on stdout.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"branchanalytics/aggregator"
	"branchanalytics/anomaly"
	"branchanalytics/config"
	"branchanalytics/distribution"
	"branchanalytics/errs"
	"branchanalytics/forecast"
	"branchanalytics/models"
	"branchanalytics/pipeline"
	"branchanalytics/registry"
	"branchanalytics/utils"
)

// Env holds the components a subcommand may use. Aggregator and Distributor
// may be nil when their backends are not configured.
type Env struct {
	Config       config.Config
	Aggregator   *aggregator.Aggregator
	Anomaly      *anomaly.Engine
	Forecast     *forecast.Engine
	Orchestrator *pipeline.Orchestrator
	Distributor  *distribution.Distributor
	Logger       *zap.Logger
	Stdout       io.Writer
	Stderr       io.Writer
	Now          func() time.Time
}

type command struct {
	usage string
	run   func(ctx context.Context, env *Env, args []string) (interface{}, error)
}

var commands = map[string]command{
	"collect-metrics": {"aggregate the operational data of a day into daily metrics", runCollect},
	"train":           {"train and register an iforest or forecast model", runTrain},
	"train-groups":    {"train the four feature-group iforest models", runTrainGroups},
	"train-variants":  {"train the new-method Prophet variants and register the best", runTrainVariants},
	"detect":          {"score one branch day", runDetect},
	"forecast":        {"forecast a metric from the active model", runForecast},
	"backtest":        {"backtest the iforest or the active forecast model", runBacktest},
	"tune":            {"tune hyperparameters and register the best model", runTune},
	"daily-report":    {"run the daily report job", runDailyReport},
	"distribute":      {"mail a stored report", runDistribute},
}

// Has reports whether name is a known subcommand.
func Has(name string) bool {
	_, ok := commands[name]
	return ok
}

// Usage writes the list of subcommands.
func Usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: branchanalytics [serve | <command> [flags]]")
	for _, n := range names {
		fmt.Fprintf(w, "  %-16s %s\n", n, commands[n].usage)
	}
}

// Run executes the subcommand args[0]. The JSON line is printed for failures
// too; the returned error only decides the exit code.
func Run(ctx context.Context, env *Env, args []string) error {
	if env.Stdout == nil {
		env.Stdout = os.Stdout
	}
	if env.Stderr == nil {
		env.Stderr = os.Stderr
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	if len(args) == 0 {
		Usage(env.Stderr)
		return errors.New("no command given")
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		Usage(env.Stderr)
		err := errs.Input("unknown command %q", name)
		printResult(env.Stdout, name, nil, err)
		return err
	}
	start := env.Now()
	data, err := cmd.run(ctx, env, args[1:])
	if err != nil {
		env.Logger.Error("command failed", zap.String("command", name), zap.Error(err))
	} else {
		env.Logger.Info("command finished", zap.String("command", name), zap.Duration("took", env.Now().Sub(start)))
	}
	printResult(env.Stdout, name, data, err)
	return err
}

func printResult(w io.Writer, name string, data interface{}, err error) {
	out := map[string]interface{}{"success": err == nil, "command": name}
	if err != nil {
		out["error"] = errs.Message(err)
		out["error_type"] = string(errs.KindOf(err))
		for k, v := range errs.DetailsOf(err) {
			out[k] = v
		}
	} else {
		out["data"] = data
	}
	line, mErr := json.Marshal(out)
	if mErr != nil {
		line = []byte(fmt.Sprintf(`{"success":false,"command":%q,"error":%q}`, name, mErr.Error()))
	}
	fmt.Fprintf(w, "%s\n", line)
}

// flags is a FlagSet with the options shared by most commands.
type flags struct {
	*flag.FlagSet
	env      *Env
	branch   int
	date     string
	days     int
	target   string
	algo     string
	testDays int
}

func newFlags(env *Env, name string) *flags {
	f := &flags{FlagSet: flag.NewFlagSet(name, flag.ContinueOnError), env: env}
	f.SetOutput(env.Stderr)
	return f
}

func (f *flags) withBranch() *flags {
	f.IntVar(&f.branch, "branch", 0, "branch id")
	return f
}

func (f *flags) withDate(help string) *flags {
	f.StringVar(&f.date, "date", "", help+" (YYYY-MM-DD, default yesterday)")
	return f
}

func (f *flags) withDays(def int) *flags {
	f.IntVar(&f.days, "days", def, "training window in days")
	return f
}

func (f *flags) withForecast() *flags {
	f.StringVar(&f.target, "target", models.FieldTotalRevenue, "target metric")
	f.StringVar(&f.algo, "algorithm", registry.AlgoProphet, "prophet, lightgbm or xgboost")
	return f
}

func (f *flags) withTestDays() *flags {
	f.IntVar(&f.testDays, "test-days", f.env.Config.BacktestDays, "trailing test window in days")
	return f
}

func (f *flags) parse(args []string) error {
	if err := f.Parse(args); err != nil {
		return errs.Input("%v", err)
	}
	if f.Lookup("branch") != nil && f.branch <= 0 {
		return errs.Input("-branch must be a positive integer")
	}
	return nil
}

// day returns -date, defaulting to yesterday.
func (f *flags) day() (time.Time, error) {
	loc := f.env.Config.Location()
	d, err := utils.ParseDate(f.date, loc)
	if err != nil {
		return time.Time{}, errs.Input("%v", err)
	}
	if d.IsZero() {
		d = utils.Yesterday(f.env.Now(), loc)
	}
	return models.DateOnly(d), nil
}

func parseIDs(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, errs.Input("invalid branch id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

const createdBy = "cli"

func runCollect(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "collect-metrics").withDate("day to aggregate")
	branches := f.String("branches", "", "comma separated branch ids (default all active branches)")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	if env.Aggregator == nil {
		return nil, errs.Upstream("source database", errors.New("not configured"))
	}
	day, err := f.day()
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(*branches)
	if err != nil {
		return nil, err
	}
	return env.Aggregator.ComputeAndStore(ctx, day, ids)
}

func runTrain(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "train").withBranch().withDate("last training day").withDays(0).withForecast()
	kind := f.String("model", "iforest", "iforest or forecast")
	version := f.String("version", "", "model version (default timestamp)")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	end, err := f.day()
	if err != nil {
		return nil, err
	}
	switch *kind {
	case "iforest":
		days := f.days
		if days <= 0 {
			days = env.Config.IForestTrainingDays
		}
		return env.Anomaly.Train(ctx, anomaly.TrainOptions{
			BranchID:  f.branch,
			EndDate:   end,
			Days:      days,
			Version:   *version,
			CreatedBy: createdBy,
		})
	case "forecast":
		return env.Forecast.Train(ctx, forecast.TrainOptions{
			BranchID:  f.branch,
			Target:    f.target,
			Algorithm: f.algo,
			EndDate:   end,
			Days:      f.days,
			Version:   *version,
			CreatedBy: createdBy,
		})
	}
	return nil, errs.Input("-model must be iforest or forecast, got %q", *kind)
}

func runTrainGroups(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "train-groups").withBranch().withDate("last training day").withDays(0)
	groups := f.String("groups", "", "comma separated groups (default a,b,c,d)")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	end, err := f.day()
	if err != nil {
		return nil, err
	}
	days := f.days
	if days <= 0 {
		days = env.Config.IForestTrainingDays
	}
	var names []string
	for _, g := range strings.Split(*groups, ",") {
		if g = strings.TrimSpace(g); g != "" {
			names = append(names, g)
		}
	}
	res, err := env.Anomaly.TrainGroups(ctx, anomaly.GroupOptions{
		BranchID:  f.branch,
		EndDate:   end,
		Days:      days,
		Groups:    names,
		CreatedBy: createdBy,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"branch_id": f.branch, "groups": res}, nil
}

func runTrainVariants(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "train-variants").withBranch().withDate("last training day").withDays(0).withTestDays()
	target := f.String("target", models.FieldTotalRevenue, "target metric")
	minCov := f.Float64("min-coverage", 0, "coverage below which a variant is penalised")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	end, err := f.day()
	if err != nil {
		return nil, err
	}
	return env.Forecast.TrainVariants(ctx, forecast.VariantOptions{
		BranchID:    f.branch,
		Target:      *target,
		EndDate:     end,
		Days:        f.days,
		TestDays:    f.testDays,
		MinCoverage: *minCov,
		CreatedBy:   createdBy,
	})
}

func runDetect(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "detect").withBranch().withDate("day to score")
	method := f.String("method", "", "historical comparison method (default combined)")
	ensemble := f.Bool("ensemble", false, "also score with the feature-group ensemble")
	persist := f.Bool("persist", true, "store the verdict")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	day, err := f.day()
	if err != nil {
		return nil, err
	}
	return env.Anomaly.Detect(ctx, f.branch, day, anomaly.DetectOptions{
		Method:   *method,
		Ensemble: *ensemble,
		Persist:  *persist,
	})
}

func runForecast(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "forecast").withBranch().withDate("last observed day").withForecast()
	horizon := f.Int("horizon", env.Config.ForecastDays, "days to forecast")
	persist := f.Bool("persist", false, "store the forecast")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	day, err := f.day()
	if err != nil {
		return nil, err
	}
	return env.Forecast.Predict(ctx, forecast.ForecastOptions{
		BranchID:  f.branch,
		Target:    f.target,
		Algorithm: f.algo,
		Date:      day,
		Days:      *horizon,
		Persist:   *persist,
	})
}

func runBacktest(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "backtest").withBranch().withDate("last test day").withDays(0).withForecast().withTestDays()
	kind := f.String("model", "forecast", "iforest or forecast")
	minCov := f.Float64("min-coverage", 0, "widen forecast intervals to reach this coverage")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	end, err := f.day()
	if err != nil {
		return nil, err
	}
	switch *kind {
	case "iforest":
		days := f.days
		if days <= 0 {
			days = env.Config.IForestTrainingDays
		}
		return env.Anomaly.Backtest(ctx, anomaly.BacktestOptions{
			BranchID:  f.branch,
			EndDate:   end,
			TestDays:  f.testDays,
			TrainDays: days,
		})
	case "forecast":
		opts := forecast.BacktestOptions{
			BranchID:  f.branch,
			Target:    f.target,
			Algorithm: f.algo,
			EndDate:   end,
			Days:      f.days,
			TestDays:  f.testDays,
		}
		if *minCov > 0 {
			opts.MinCoverage = minCov
		}
		return env.Forecast.Backtest(ctx, opts)
	}
	return nil, errs.Input("-model must be iforest or forecast, got %q", *kind)
}

func runTune(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "tune").withBranch().withDate("last training day").withDays(0).withForecast().withTestDays()
	kind := f.String("model", "forecast", "iforest or forecast")
	trials := f.Int("trials", 20, "number of trials")
	seed := f.Int64("seed", 42, "sampler seed")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	if *trials <= 0 {
		return nil, errs.Input("-trials must be positive")
	}
	end, err := f.day()
	if err != nil {
		return nil, err
	}
	switch *kind {
	case "iforest":
		days := f.days
		if days <= 0 {
			days = env.Config.IForestTrainingDays
		}
		return env.Anomaly.Tune(ctx, anomaly.TuneOptions{
			BranchID:  f.branch,
			EndDate:   end,
			Days:      days,
			Trials:    *trials,
			Seed:      *seed,
			CreatedBy: createdBy,
		})
	case "forecast":
		return env.Forecast.Tune(ctx, forecast.TuneOptions{
			BranchID:  f.branch,
			Target:    f.target,
			Algorithm: f.algo,
			EndDate:   end,
			Days:      f.days,
			TestDays:  f.testDays,
			Trials:    *trials,
			Seed:      *seed,
			CreatedBy: createdBy,
		})
	}
	return nil, errs.Input("-model must be iforest or forecast, got %q", *kind)
}

func runDailyReport(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "daily-report").withDate("report day")
	branches := f.String("branches", "", "comma separated branch ids (default configured branches)")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	day, err := f.day()
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(*branches)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		ids = env.Config.BranchIDs
	}
	return env.Orchestrator.RunDaily(ctx, day, ids)
}

func runDistribute(ctx context.Context, env *Env, args []string) (interface{}, error) {
	f := newFlags(env, "distribute")
	id := f.Int64("id", 0, "report id")
	if err := f.parse(args); err != nil {
		return nil, err
	}
	if *id <= 0 {
		return nil, errs.Input("-id must be a positive integer")
	}
	if env.Distributor == nil {
		return nil, errs.Upstream("smtp", errors.New("not configured"))
	}
	return env.Distributor.DistributeByID(ctx, *id)
}
