package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// DatabaseURL is empty when no PG* settings are present; routes then
	// come only from RoutesFile.
	DatabaseURL string
	RoutesFile  string

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	MetricsAddr       string
	Location          *time.Location
	LogLevel          string

	ScheduleTick      time.Duration
	StatusRefresh     time.Duration
	LabelRefresh      time.Duration
	ReapInterval      time.Duration
	ReapMaxAge        time.Duration
	StaleWindow       time.Duration
	WriteDebounce     time.Duration
	ConnectivityCheck time.Duration

	DefaultLat float64
	DefaultLng float64
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	cfg.RedisAddr = getenvDefault("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB: %q", v)
		}
		cfg.RedisDB = n
	}
	cfg.RedisPrefix = getenvDefault("REDIS_KEY_PREFIX", "liveLocation")

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars when PGDATABASE is set
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.DatabaseURL == "" {
		if db := os.Getenv("PGDATABASE"); db != "" {
			host := getenvDefault("PGHOST", "127.0.0.1")
			port := getenvDefault("PGPORT", "5432")
			user := getenvDefault("PGUSER", "postgres")
			pass := os.Getenv("PGPASSWORD")
			sslmode := getenvDefault("PGSSLMODE", "disable")
			if pass != "" {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
	}
	cfg.RoutesFile = os.Getenv("ROUTES_FILE")

	// NATS_URL explicitly set to empty disables the NATS sink
	if v, ok := os.LookupEnv("NATS_URL"); ok {
		cfg.NATSURL = strings.TrimSpace(v)
	} else {
		cfg.NATSURL = "nats://127.0.0.1:4222"
	}
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "bus.display")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	durations := []struct {
		key  string
		unit time.Duration
		def  int
		dst  *time.Duration
	}{
		{"SCHEDULE_TICK_SEC", time.Second, 10, &cfg.ScheduleTick},
		{"STATUS_REFRESH_SEC", time.Second, 30, &cfg.StatusRefresh},
		{"LABEL_REFRESH_SEC", time.Second, 60, &cfg.LabelRefresh},
		{"REAP_INTERVAL_MIN", time.Minute, 10, &cfg.ReapInterval},
		{"REAP_MAX_AGE_MIN", time.Minute, 60, &cfg.ReapMaxAge},
		{"STALE_WINDOW_SEC", time.Second, 120, &cfg.StaleWindow},
		{"WRITE_DEBOUNCE_MS", time.Millisecond, 5000, &cfg.WriteDebounce},
		{"CONNECTIVITY_CHECK_SEC", time.Second, 5, &cfg.ConnectivityCheck},
	}
	for _, d := range durations {
		if *d.dst, err = positiveDuration(d.key, d.unit, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.DefaultLat, err = floatEnv("DEFAULT_LAT", 28.99, -90, 90); err != nil {
		return nil, err
	}
	if cfg.DefaultLng, err = floatEnv("DEFAULT_LNG", 77.02, -180, 180); err != nil {
		return nil, err
	}

	return cfg, nil
}

func positiveDuration(key string, unit time.Duration, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * unit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func floatEnv(key string, def, lo, hi float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < lo || f > hi {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
