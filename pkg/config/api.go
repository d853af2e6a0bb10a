package config

import "time"

// APIConfig holds runtime configuration for the auth service.
type APIConfig struct {
	Environment      string
	Addr             string
	BaseURL          string
	DatabaseURL      string
	MigrationsDir    string
	SessionTTL       time.Duration
	SessionCookie    string
	CookieSecure     bool
	SessionRedisAddr string
	SessionRedisPass string
	SessionRedisDB   int
	SignupRetries    int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	env := GetString("APP_ENV", "development")
	return APIConfig{
		Environment:      env,
		Addr:             GetString("API_ADDR", ":3883"),
		BaseURL:          GetString("BASE_URL", "http://localhost:3883"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://mailing:mailing@db:5432/mailing?sslmode=disable"),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		SessionTTL:       time.Duration(GetInt("SESSION_TTL_HOURS", 24*7)) * time.Hour,
		SessionCookie:    GetString("SESSION_COOKIE_NAME", "mailing_session"),
		CookieSecure:     GetBool("SESSION_COOKIE_SECURE", env == "production"),
		SessionRedisAddr: GetString("SESSION_REDIS_ADDR", ""),
		SessionRedisPass: GetString("SESSION_REDIS_PASSWORD", ""),
		SessionRedisDB:   GetInt("SESSION_REDIS_DB", 0),
		SignupRetries:    GetInt("SIGNUP_STORE_RETRIES", 3),
	}
}
