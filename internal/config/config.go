// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultTemplate is the notification template used by subscriptions that
// have not set their own.
const DefaultTemplate = "New post in $feed_title: [$title]($link)"

// Config holds the application configuration.
type Config struct {
	TelegramBotToken    string
	DatabasePath        string
	LogLevel            string
	PollIntervalMinutes int
	MaxConcurrentFetch  int
	MessagesPerSecond   float64
	DefaultTemplate     string
	AllowedUsers        []int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/bot.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	interval, err := intEnv("POLL_INTERVAL_MINUTES", 60, 1, 1440)
	if err != nil {
		return nil, err
	}

	maxFetch, err := intEnv("MAX_CONCURRENT_FETCHES", 10, 1, 100)
	if err != nil {
		return nil, err
	}

	msgRate := 10.0
	if raw := os.Getenv("MESSAGES_PER_SECOND"); raw != "" {
		msgRate, err = strconv.ParseFloat(raw, 64)
		if err != nil || msgRate <= 0 {
			return nil, fmt.Errorf("invalid MESSAGES_PER_SECOND %q", raw)
		}
	}

	tmpl := os.Getenv("DEFAULT_TEMPLATE")
	if tmpl == "" {
		tmpl = DefaultTemplate
	}

	var allowedUsers []int64
	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			allowedUsers = append(allowedUsers, uid)
		}
	}

	return &Config{
		TelegramBotToken:    token,
		DatabasePath:        dbPath,
		LogLevel:            logLevel,
		PollIntervalMinutes: interval,
		MaxConcurrentFetch:  maxFetch,
		MessagesPerSecond:   msgRate,
		DefaultTemplate:     tmpl,
		AllowedUsers:        allowedUsers,
	}, nil
}

func intEnv(key string, def, min, max int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, fmt.Errorf("%s must be an integer between %d and %d, got %q", key, min, max, raw)
	}
	return v, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
