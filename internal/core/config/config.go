package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type CacheTTL struct {
	Summary time.Duration
	Detail  time.Duration
	Partial time.Duration
	Failure time.Duration
}

type Config struct {
	Addr     string
	LogLevel string

	ProviderBaseURL    string
	ProviderUserID     string
	ProviderHKey       string
	ProviderTimeout    time.Duration
	ProviderMaxRetries int
	ProviderRetryBase  time.Duration
	ProviderRetryCap   time.Duration

	StoreDriver string
	RedisAddr   string
	PostgresDSN string

	BudgetWindow     time.Duration
	BudgetFreshLimit int
	BudgetForceLimit int

	ForceRefreshGuard    time.Duration
	ForceRefreshCooldown time.Duration

	BlockedTargets     []string
	ExecutorMaxWorkers int

	CacheTTL           CacheTTL
	MemcacheMaxEntries int

	DefaultYearLimit   int
	MaxYearLimit       int
	SubjectTypeDefault string
	HashSalt           string

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	defYears := getint("DEFAULT_YEAR_LIMIT", 3)
	maxYears := getint("MAX_YEAR_LIMIT", 5)
	if defYears < 1 {
		defYears = 1
	}
	if maxYears < defYears {
		maxYears = defYears
	}

	return Config{
		Addr:     getenv("ADDR", ":8091"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		ProviderBaseURL:    getenv("PROVIDER_BASE_URL", "https://api.hyphen.im"),
		ProviderUserID:     getenv("PROVIDER_USER_ID", ""),
		ProviderHKey:       getenv("PROVIDER_HKEY", ""),
		ProviderTimeout:    getduration("PROVIDER_TIMEOUT", 20*time.Second),
		ProviderMaxRetries: getint("PROVIDER_MAX_RETRIES", 2),
		ProviderRetryBase:  getduration("PROVIDER_RETRY_BASE", 300*time.Millisecond),
		ProviderRetryCap:   getduration("PROVIDER_RETRY_CAP", 5*time.Second),

		StoreDriver: strings.ToLower(getenv("STORE_DRIVER", "redis")),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		PostgresDSN: getenv("POSTGRES_DSN", ""),

		BudgetWindow:     getduration("FETCH_BUDGET_WINDOW", 24*time.Hour),
		BudgetFreshLimit: getint("FETCH_BUDGET_FRESH_LIMIT", 6),
		BudgetForceLimit: getint("FETCH_BUDGET_FORCE_LIMIT", 2),

		ForceRefreshGuard:    getduration("FORCE_REFRESH_GUARD", 5*time.Second),
		ForceRefreshCooldown: getduration("FORCE_REFRESH_COOLDOWN", 120*time.Second),

		BlockedTargets:     parseCSV(getenv("BLOCKED_TARGETS", "checkupList,checkupYearly")),
		ExecutorMaxWorkers: getint("EXECUTOR_MAX_WORKERS", 3),

		CacheTTL: CacheTTL{
			Summary: getduration("CACHE_TTL_SUMMARY", 12*time.Hour),
			Detail:  getduration("CACHE_TTL_DETAIL", 72*time.Hour),
			Partial: getduration("CACHE_TTL_PARTIAL", 2*time.Hour),
			Failure: getduration("CACHE_TTL_FAILURE", 10*time.Minute),
		},
		MemcacheMaxEntries: getint("MEMCACHE_MAX_ENTRIES", 1200),

		DefaultYearLimit:   defYears,
		MaxYearLimit:       maxYears,
		SubjectTypeDefault: getenv("SUBJECT_TYPE_DEFAULT", "SELF"),
		HashSalt:           getenv("HASH_SALT", "nhis-fetch-v1"),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "nhis-cache-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "fetch-cache-invalidator"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "a,b,c" into a trimmed slice, empty entries dropped
func parseCSV(s string) []string {
	var out []string
	parts := strings.SplitSeq(s, ",")
	for p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
