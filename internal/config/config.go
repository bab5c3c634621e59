package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string
	LogLevel    string

	PhabricatorURL      string
	PhabricatorAPIToken string
	SecureProjectPHID   string

	LandableRepos         []string
	ApprovalRequiredRepos []string

	TransplantURL    string
	TransplantAPIKey string
	PingbackURL      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RateLimit     int
	RateLimitSecs int

	SMTPHost         string
	SMTPPort         int
	MailFrom         string
	MailSuppressSend bool
	MailAllowlist    []string
	LandoUIURL       string
}

func FromEnv() Config {
	return Config{
		HTTPAddr:    envDefault("HTTP_ADDR", ":8080"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		LogLevel:    envDefault("LOG_LEVEL", "info"),

		PhabricatorURL:      os.Getenv("PHABRICATOR_URL"),
		PhabricatorAPIToken: os.Getenv("PHABRICATOR_API_TOKEN"),
		SecureProjectPHID:   os.Getenv("SECURE_PROJECT_PHID"),

		LandableRepos:         envCSV("LANDABLE_REPOS"),
		ApprovalRequiredRepos: envCSV("APPROVAL_REQUIRED_REPOS"),

		TransplantURL:    os.Getenv("TRANSPLANT_URL"),
		TransplantAPIKey: os.Getenv("TRANSPLANT_API_KEY"),
		PingbackURL:      os.Getenv("PINGBACK_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		RateLimit:     envInt("RATE_LIMIT", 0),
		RateLimitSecs: envInt("RATE_LIMIT_WINDOW_SECONDS", 60),

		SMTPHost:         os.Getenv("SMTP_HOST"),
		SMTPPort:         envInt("SMTP_PORT", 25),
		MailFrom:         envDefault("MAIL_FROM", "mozphab-prod@mozilla.com"),
		MailSuppressSend: envBool("MAIL_SUPPRESS_SEND"),
		MailAllowlist:    envCSV("MAIL_RECIPIENT_ALLOWLIST"),
		LandoUIURL:       os.Getenv("LANDO_UI_URL"),
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}

func envCSV(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
