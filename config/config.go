package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime setting of the analytics service.
// AppConfig keeps a process-wide copy for the JWT middleware; everything else
// receives the values it needs explicitly from main.
type Config struct {
	ListenAddr string
	JWTSecret  string
	JWTTTL     time.Duration

	AdminEmail        string
	AdminPasswordHash string

	AnalyticsDatabaseURL string
	SourceDatabaseDSN    string

	OrderServiceURL   string
	CatalogServiceURL string
	HTTPTimeout       time.Duration

	RedisURL       string
	BundleCacheTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	GeminiAPIKey string
	GeminiModel  string

	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	SMTPFrom         string
	SMTPUseSSL       bool
	ReportRecipients []string

	DailyReportCron string
	Timezone        string
	BranchIDs       []int

	IForestTrainingDays  int
	MinTrainingSamples   int
	IForestContamination float64
	IForestEstimators    int
	ForecastDays         int
	BacktestDays         int

	LogLevel  string
	LogFormat string
}

// AppConfig holds the application-wide configuration.
var AppConfig Config

// Load reads the configuration from the environment, falling back to defaults.
func Load() Config {
	return Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":3000"),
		JWTSecret:  getEnv("JWT_SECRET", ""),
		JWTTTL:     getEnvDuration("JWT_TTL", 12*time.Hour),

		AdminEmail:        getEnv("ADMIN_EMAIL", "admin@localhost"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),

		AnalyticsDatabaseURL: getEnv("ANALYTICS_DATABASE_URL", ""),
		SourceDatabaseDSN:    getEnv("SOURCE_DATABASE_DSN", ""),

		OrderServiceURL:   getEnv("ORDER_SERVICE_URL", ""),
		CatalogServiceURL: getEnv("CATALOG_SERVICE_URL", ""),
		HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT", 30*time.Second),

		RedisURL:       getEnv("REDIS_URL", ""),
		BundleCacheTTL: getEnvDuration("BUNDLE_CACHE_TTL", 6*time.Hour),

		KafkaBrokers: getEnvList("KAFKA_BROKERS", ""),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "analytics.events"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "ml-models"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash-lite"),

		SMTPHost:         getEnv("SMTP_HOST", ""),
		SMTPPort:         getEnvInt("SMTP_PORT", 587),
		SMTPUsername:     getEnv("SMTP_USERNAME", ""),
		SMTPPassword:     getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:         getEnv("SMTP_FROM", ""),
		SMTPUseSSL:       getEnvBool("SMTP_USE_SSL", false),
		ReportRecipients: getEnvList("REPORT_RECIPIENTS", ""),

		DailyReportCron: getEnv("DAILY_REPORT_CRON", "0 23 * * *"),
		Timezone:        getEnv("TIMEZONE", "Asia/Ho_Chi_Minh"),
		BranchIDs:       getEnvIntList("BRANCH_IDS"),

		IForestTrainingDays:  getEnvInt("IFOREST_TRAINING_DAYS", 180),
		MinTrainingSamples:   getEnvInt("MIN_TRAINING_SAMPLES", 30),
		IForestContamination: getEnvFloat("IFOREST_CONTAMINATION", 0.1),
		IForestEstimators:    getEnvInt("IFOREST_ESTIMATORS", 100),
		ForecastDays:         getEnvInt("FORECAST_DAYS", 7),
		BacktestDays:         getEnvInt("BACKTEST_DAYS", 30),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Location resolves the configured timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// getEnvDuration accepts Go duration strings ("30s") or plain seconds ("30").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(i) * time.Second
}

func getEnvList(key, def string) []string {
	raw := getEnv(key, def)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvIntList(key string) []int {
	var out []int
	for _, s := range getEnvList(key, "") {
		if i, err := strconv.Atoi(s); err == nil {
			out = append(out, i)
		}
	}
	return out
}
