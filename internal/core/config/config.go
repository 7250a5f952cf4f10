// Package config loads the mediator's process-wide configuration from the
// environment, following the same getenv/getint/getduration shape the
// original cache middleware used. The daemon passes a loader worker
// subprocess only the URL, table name and user; the worker resolves its
// own Config from the environment with FromEnv at startup. The loaders
// themselves never read this package: they receive their settings as a
// plain loader.Deps value.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every key the mediator needs at startup, plus the ambient
// ops settings (bind address, log level) this implementation adds.
type Config struct {
	Addr     string // daemon's healthz/metrics bind address
	LogLevel string

	SecretKey string // HMAC-style salt folded into hashid.TableName

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	SSLMode    string

	MaxConnections int

	DataLoaders []string // ordered list of registered loader names

	TmpLoadDataFileLoc         string
	DataLoadMaxProcesses       int
	DataLoadFeaturesPerProcess int
	DataLoadRetriesOnError     int
	DataLoadInitFeatures       int
	DataLoadNotifyChannel      string

	RedisAddr        string // loader-validation result cache
	ValidateCacheTTL time.Duration
	ValidateLRUSize  int

	RasterToPGSQLPath string // wcs loader: raster2pgsql binary, PATH-resolved if empty
	PSQLPath          string // wcs loader: psql binary, PATH-resolved if empty
	Ogr2OgrPath       string // wfs loader's GML path: ogr2ogr binary

	MetricsEnabled bool
	MetricsAddr    string
	MetricsPath    string
}

// FromEnv builds a Config from the process environment, applying the same
// defaults-with-override pattern as the upstream middleware's config
// loader.
func FromEnv() Config {
	return Config{
		Addr:     getenv("MD_ADDR", ":8090"),
		LogLevel: getenv("MD_LOG_LEVEL", "info"),

		SecretKey: getenv("MD_SECRET_KEY", "change-me"),

		DBHost:     getenv("MD_DB_HOST", "localhost"),
		DBPort:     getint("MD_DB_PORT", 5432),
		DBName:     getenv("MD_DB_NAME", "mediator"),
		DBUser:     getenv("MD_DB_USER", "mediator"),
		DBPassword: getenv("MD_DB_PASSWORD", ""),
		SSLMode:    getenv("MD_DB_SSLMODE", "disable"),

		MaxConnections: getint("MD_MAX_CONNECTIONS", 10),

		DataLoaders: splitList(getenv("MD_DATA_LOADERS", "wfs,arcgis_feature,wcs")),

		TmpLoadDataFileLoc:         getenv("MD_TMP_LOAD_DATA_FILE_LOC", os.TempDir()),
		DataLoadMaxProcesses:       getint("MD_DATA_LOAD_MAX_PROCESSES", 4),
		DataLoadFeaturesPerProcess: getint("MD_DATA_LOAD_FEATURES_PER_PROCESS", 1000),
		DataLoadRetriesOnError:     getint("MD_DATA_LOAD_RETRIES_ON_ERROR", 3),
		DataLoadInitFeatures:       getint("MD_DATA_LOAD_INIT_FEATURES", 2000),
		DataLoadNotifyChannel:      getenv("MD_DATA_LOAD_NOTIFY_CHANNEL", "md_data_load"),

		RedisAddr:        getenv("MD_REDIS_ADDR", "localhost:6379"),
		ValidateCacheTTL: getduration("MD_VALIDATE_CACHE_TTL", 5*time.Minute),
		ValidateLRUSize:  getint("MD_VALIDATE_LRU_SIZE", 512),

		RasterToPGSQLPath: getenv("MD_RASTER2PGSQL_PATH", "raster2pgsql"),
		PSQLPath:          getenv("MD_PSQL_PATH", "psql"),
		Ogr2OgrPath:       getenv("MD_OGR2OGR_PATH", "ogr2ogr"),

		MetricsEnabled: strings.EqualFold(getenv("MD_METRICS_ENABLED", "true"), "true"),
		MetricsAddr:    getenv("MD_METRICS_ADDR", ":9090"),
		MetricsPath:    getenv("MD_METRICS_PATH", "/metrics"),
	}
}

// DSN renders a libpq connection string for database/sql + lib/pq.
func (c Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" dbname=" + c.DBName +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" sslmode=" + c.SSLMode
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
