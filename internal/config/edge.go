// Package config loads edge and router configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Edge holds edge server configuration populated from environment variables.
type Edge struct {
	// Core
	ServerHost       string
	ServerPort       int
	Debug            bool
	LogFileDirectory string
	LogFileName      string

	// Chat API
	ChatAPIURL            string
	ChatAPIInternalSecret string

	// Router fabric
	CentralRouterInternalSecret string

	// Client auth
	ManagerSecret string

	// Table store
	AWSRegion            string
	AWSAccessKeyID       string
	AWSSecretAccessKey   string
	SessionTable         string
	ChatRoomTable        string
	ChatMessageTable     string
	LastMessageReadTable string
	CustomDataTable      string
	MaxMessageLimit      int

	// Cache
	RedisURL string

	// Push notifications
	PushFlushInterval time.Duration
	FCMAPIURL         string

	// Admin alerts
	Admins            []string
	EmailHost         string
	EmailPort         int
	EmailHostUser     string
	EmailHostPassword string
}

// LoadEdge reads edge server configuration from environment variables. It
// returns an error if any variable is set but cannot be parsed, or if a
// required value is missing.
func LoadEdge() (*Edge, error) {
	p := &parser{}

	cfg := &Edge{
		ServerHost:       envStr("SERVER_HOST", ""),
		ServerPort:       p.int("SERVER_PORT", 8080),
		Debug:            p.bool("DEBUG", false),
		LogFileDirectory: envStr("LOG_FILE_DIRECTORY", ""),
		LogFileName:      envStr("LOG_FILE_NAME", "edge.log"),

		ChatAPIURL:            envStr("CHAT_API_URL", ""),
		ChatAPIInternalSecret: envStr("CHAT_API_INTERNAL_SECRET", ""),

		CentralRouterInternalSecret: envStr("CENTRAL_ROUTER_INTERNAL_SECRET", ""),

		ManagerSecret: envStr("MANAGER_SECRET", ""),

		AWSRegion:            envStr("AWS_DEFAULT_REGION", "eu-west-1"),
		AWSAccessKeyID:       envStr("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:   envStr("AWS_SECRET_ACCESS_KEY", ""),
		SessionTable:         envStr("DYNAMO_SESSION_TABLE_NAME", ""),
		ChatRoomTable:        envStr("DYNAMO_CHAT_ROOM_TABLE_NAME", ""),
		ChatMessageTable:     envStr("DYNAMO_CHAT_MESSAGE_TABLE_NAME", ""),
		LastMessageReadTable: envStr("DYNAMO_LAST_MESSAGE_READ_TABLE_NAME", ""),
		CustomDataTable:      envStr("DYNAMO_USER_IDENTIFIER_CUSTOM_DATA_TABLE_NAME", ""),
		MaxMessageLimit:      p.int("MAX_DYNAMO_MESSAGE_LIMIT", 50),

		RedisURL: envStr("REDIS_URL", "redis://redis:6379/0"),

		PushFlushInterval: p.seconds("FCM_NOTIFICATION_SEC_INTERVAL", 20*time.Second),
		FCMAPIURL:         envStr("FCM_API_URL", ""),

		Admins:            envList("ADMINS"),
		EmailHost:         envStr("EMAIL_HOST", ""),
		EmailPort:         p.int("EMAIL_PORT", 587),
		EmailHostUser:     envStr("EMAIL_HOST_USER", ""),
		EmailHostPassword: envStr("EMAIL_HOST_PASSWORD", ""),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AlertsConfigured returns true when admin addresses and an SMTP host are
// set, indicating that exception emails should be sent.
func (c *Edge) AlertsConfigured() bool {
	return len(c.Admins) > 0 && c.EmailHost != ""
}

func (c *Edge) validate() error {
	var errs []error

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535"))
	}

	if c.ChatAPIURL == "" {
		errs = append(errs, fmt.Errorf("CHAT_API_URL is required"))
	}
	if c.ChatAPIInternalSecret == "" {
		errs = append(errs, fmt.Errorf("CHAT_API_INTERNAL_SECRET is required"))
	}
	if c.CentralRouterInternalSecret == "" {
		errs = append(errs, fmt.Errorf("CENTRAL_ROUTER_INTERNAL_SECRET is required"))
	}

	for _, t := range []struct {
		key, value string
	}{
		{"DYNAMO_SESSION_TABLE_NAME", c.SessionTable},
		{"DYNAMO_CHAT_ROOM_TABLE_NAME", c.ChatRoomTable},
		{"DYNAMO_CHAT_MESSAGE_TABLE_NAME", c.ChatMessageTable},
		{"DYNAMO_LAST_MESSAGE_READ_TABLE_NAME", c.LastMessageReadTable},
		{"DYNAMO_USER_IDENTIFIER_CUSTOM_DATA_TABLE_NAME", c.CustomDataTable},
	} {
		if t.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", t.key))
		}
	}

	if c.MaxMessageLimit < 1 {
		errs = append(errs, fmt.Errorf("MAX_DYNAMO_MESSAGE_LIMIT must be at least 1"))
	}

	if c.PushFlushInterval < time.Second {
		errs = append(errs, fmt.Errorf("FCM_NOTIFICATION_SEC_INTERVAL must be at least 1"))
	}

	if c.EmailHost != "" && (c.EmailPort < 1 || c.EmailPort > 65535) {
		errs = append(errs, fmt.Errorf("EMAIL_PORT must be between 1 and 65535"))
	}

	return errors.Join(errs...)
}
