package config

import (
	"errors"
	"fmt"
)

// Router holds central router configuration populated from environment
// variables.
type Router struct {
	// Core
	ServerHost       string
	ServerPort       int
	Debug            bool
	LogFileDirectory string
	LogFileName      string

	// Chat API
	ChatAPIURL            string
	ChatAPIInternalSecret string

	// Edge auth
	CentralRouterInternalSecret string

	// Admin alerts
	Admins            []string
	EmailHost         string
	EmailPort         int
	EmailHostUser     string
	EmailHostPassword string
}

// LoadRouter reads central router configuration from environment variables.
// It returns an error if any variable is set but cannot be parsed, or if a
// required value is missing.
func LoadRouter() (*Router, error) {
	p := &parser{}

	cfg := &Router{
		ServerHost:       envStr("SERVER_HOST", ""),
		ServerPort:       p.int("SERVER_PORT", 8090),
		Debug:            p.bool("DEBUG", false),
		LogFileDirectory: envStr("LOG_FILE_DIRECTORY", ""),
		LogFileName:      envStr("LOG_FILE_NAME", "router.log"),

		ChatAPIURL:            envStr("CHAT_API_URL", ""),
		ChatAPIInternalSecret: envStr("CHAT_API_INTERNAL_SECRET", ""),

		CentralRouterInternalSecret: envStr("CENTRAL_ROUTER_INTERNAL_SECRET", ""),

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
func (c *Router) AlertsConfigured() bool {
	return len(c.Admins) > 0 && c.EmailHost != ""
}

func (c *Router) validate() error {
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

	if c.EmailHost != "" && (c.EmailPort < 1 || c.EmailPort > 65535) {
		errs = append(errs, fmt.Errorf("EMAIL_PORT must be between 1 and 65535"))
	}

	return errors.Join(errs...)
}
