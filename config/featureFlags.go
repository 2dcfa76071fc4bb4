package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StatsCacheEnabled turns on the Redis cache for windowed stats reports.
//
// Set via env:
// - ENABLE_STATS_CACHE=true
func StatsCacheEnabled() bool {
	return boolFromEnv("ENABLE_STATS_CACHE", false)
}

// StatsCacheTTL bounds how long a cached report may be served (default 120s).
func StatsCacheTTL() time.Duration {
	return time.Duration(intFromEnv("STATS_CACHE_TTL_SECONDS", 120)) * time.Second
}

// ReportSlowThreshold is the duration above which a windowed report is logged as slow.
func ReportSlowThreshold() time.Duration {
	return time.Duration(intFromEnv("REPORT_SLOW_MS", 500)) * time.Millisecond
}

// UserLockTTL is how long a per-user ledger lock may be held before Redis expires it.
func UserLockTTL() time.Duration {
	return time.Duration(intFromEnv("USER_LOCK_TTL_SECONDS", 30)) * time.Second
}

// LedgerSaveMaxRetries bounds optimistic retries when a ledger version check fails.
func LedgerSaveMaxRetries() int {
	n := intFromEnv("LEDGER_SAVE_MAX_RETRIES", 3)
	if n < 1 {
		return 1
	}
	return n
}

// RecalcConcurrency is the number of users recalculated in parallel by repair jobs.
func RecalcConcurrency() int {
	n := intFromEnv("RECALC_CONCURRENCY", 4)
	if n < 1 {
		return 1
	}
	return n
}

// StoreDriver selects the persistence backend: "mysql" (default) or "memory".
func StoreDriver() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	if v == "" {
		return "mysql"
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}
