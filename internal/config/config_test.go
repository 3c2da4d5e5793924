package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEdgeEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHAT_API_URL", "http://api:8000")
	t.Setenv("CHAT_API_INTERNAL_SECRET", "api-secret")
	t.Setenv("CENTRAL_ROUTER_INTERNAL_SECRET", "router-secret")
	t.Setenv("DYNAMO_SESSION_TABLE_NAME", "chat-session")
	t.Setenv("DYNAMO_CHAT_ROOM_TABLE_NAME", "chat-room")
	t.Setenv("DYNAMO_CHAT_MESSAGE_TABLE_NAME", "chat-message")
	t.Setenv("DYNAMO_LAST_MESSAGE_READ_TABLE_NAME", "chat-last-message-read")
	t.Setenv("DYNAMO_USER_IDENTIFIER_CUSTOM_DATA_TABLE_NAME", "chat-custom-data")
}

// TestLoadEdgeDefaults is not t.Parallel because it mutates process-wide
// environment variables.
func TestLoadEdgeDefaults(t *testing.T) {
	keys := []string{
		"SERVER_HOST", "SERVER_PORT", "DEBUG", "LOG_FILE_DIRECTORY", "LOG_FILE_NAME",
		"MANAGER_SECRET", "AWS_DEFAULT_REGION", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
		"MAX_DYNAMO_MESSAGE_LIMIT", "REDIS_URL", "FCM_NOTIFICATION_SEC_INTERVAL", "FCM_API_URL",
		"ADMINS", "EMAIL_HOST", "EMAIL_PORT", "EMAIL_HOST_USER", "EMAIL_HOST_PASSWORD",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
	setRequiredEdgeEnv(t)

	cfg, err := LoadEdge()
	if err != nil {
		t.Fatalf("LoadEdge() returned unexpected error: %v", err)
	}

	if cfg.ServerHost != "" {
		t.Errorf("ServerHost = %q, want empty", cfg.ServerHost)
	}
	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.FCMAPIURL != "" {
		t.Errorf("FCMAPIURL = %q, want empty", cfg.FCMAPIURL)
	}
	if cfg.Debug {
		t.Error("Debug = true, want false")
	}
	if cfg.MaxMessageLimit != 50 {
		t.Errorf("MaxMessageLimit = %d, want 50", cfg.MaxMessageLimit)
	}
	if cfg.PushFlushInterval != 20*time.Second {
		t.Errorf("PushFlushInterval = %v, want 20s", cfg.PushFlushInterval)
	}
	if cfg.AWSRegion != "eu-west-1" {
		t.Errorf("AWSRegion = %q, want %q", cfg.AWSRegion, "eu-west-1")
	}
	if cfg.RedisURL != "redis://redis:6379/0" {
		t.Errorf("RedisURL = %q, want default", cfg.RedisURL)
	}
	if cfg.AlertsConfigured() {
		t.Error("AlertsConfigured() = true with no admins")
	}
}

func TestLoadEdgeRequiresTables(t *testing.T) {
	setRequiredEdgeEnv(t)
	t.Setenv("DYNAMO_CHAT_MESSAGE_TABLE_NAME", "")

	_, err := LoadEdge()
	if err == nil {
		t.Fatal("LoadEdge() returned nil error, want validation error")
	}
	if !strings.Contains(err.Error(), "DYNAMO_CHAT_MESSAGE_TABLE_NAME") {
		t.Errorf("error %q does not mention CHAT_MESSAGE_TABLE_NAME", err.Error())
	}
}

func TestLoadEdgeRequiresSecrets(t *testing.T) {
	setRequiredEdgeEnv(t)
	t.Setenv("CHAT_API_INTERNAL_SECRET", "")
	t.Setenv("CENTRAL_ROUTER_INTERNAL_SECRET", "")

	_, err := LoadEdge()
	if err == nil {
		t.Fatal("LoadEdge() returned nil error, want validation error")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "CHAT_API_INTERNAL_SECRET") {
		t.Errorf("error missing CHAT_API_INTERNAL_SECRET, got: %s", errStr)
	}
	if !strings.Contains(errStr, "CENTRAL_ROUTER_INTERNAL_SECRET") {
		t.Errorf("error missing CENTRAL_ROUTER_INTERNAL_SECRET, got: %s", errStr)
	}
}

func TestLoadEdgeInvalidInt(t *testing.T) {
	setRequiredEdgeEnv(t)
	t.Setenv("SERVER_PORT", "not-a-number")

	_, err := LoadEdge()
	if err == nil {
		t.Fatal("LoadEdge() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("error %q does not mention SERVER_PORT", err.Error())
	}
	if !strings.Contains(err.Error(), "not-a-number") {
		t.Errorf("error %q does not include the invalid value", err.Error())
	}
}

func TestLoadEdgeOverrides(t *testing.T) {
	setRequiredEdgeEnv(t)
	t.Setenv("SERVER_PORT", "9001")
	t.Setenv("DEBUG", "true")
	t.Setenv("MAX_DYNAMO_MESSAGE_LIMIT", "100")
	t.Setenv("FCM_NOTIFICATION_SEC_INTERVAL", "45")
	t.Setenv("ADMINS", "ops@example.com, dev@example.com")
	t.Setenv("EMAIL_HOST", "smtp.example.com")

	cfg, err := LoadEdge()
	if err != nil {
		t.Fatalf("LoadEdge() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 9001 {
		t.Errorf("ServerPort = %d, want 9001", cfg.ServerPort)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	if cfg.MaxMessageLimit != 100 {
		t.Errorf("MaxMessageLimit = %d, want 100", cfg.MaxMessageLimit)
	}
	if cfg.PushFlushInterval != 45*time.Second {
		t.Errorf("PushFlushInterval = %v, want 45s", cfg.PushFlushInterval)
	}
	if len(cfg.Admins) != 2 || cfg.Admins[0] != "ops@example.com" || cfg.Admins[1] != "dev@example.com" {
		t.Errorf("Admins = %v, want two trimmed addresses", cfg.Admins)
	}
	if !cfg.AlertsConfigured() {
		t.Error("AlertsConfigured() = false, want true")
	}
}

func setRequiredRouterEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHAT_API_URL", "http://api:8000")
	t.Setenv("CHAT_API_INTERNAL_SECRET", "api-secret")
	t.Setenv("CENTRAL_ROUTER_INTERNAL_SECRET", "router-secret")
}

func TestLoadRouterDefaults(t *testing.T) {
	keys := []string{"SERVER_PORT", "DEBUG", "ADMINS", "EMAIL_HOST", "EMAIL_PORT"}
	for _, k := range keys {
		t.Setenv(k, "")
	}
	setRequiredRouterEnv(t)

	cfg, err := LoadRouter()
	if err != nil {
		t.Fatalf("LoadRouter() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 8090 {
		t.Errorf("ServerPort = %d, want 8090", cfg.ServerPort)
	}
	if cfg.EmailPort != 587 {
		t.Errorf("EmailPort = %d, want 587", cfg.EmailPort)
	}
}

func TestLoadRouterRequiresSecret(t *testing.T) {
	setRequiredRouterEnv(t)
	t.Setenv("CENTRAL_ROUTER_INTERNAL_SECRET", "")

	_, err := LoadRouter()
	if err == nil {
		t.Fatal("LoadRouter() returned nil error, want validation error")
	}
	if !strings.Contains(err.Error(), "CENTRAL_ROUTER_INTERNAL_SECRET") {
		t.Errorf("error %q does not mention CENTRAL_ROUTER_INTERNAL_SECRET", err.Error())
	}
}

func TestLoadRouterMultipleErrors(t *testing.T) {
	setRequiredRouterEnv(t)
	t.Setenv("SERVER_PORT", "abc")
	t.Setenv("DEBUG", "maybe")

	_, err := LoadRouter()
	if err == nil {
		t.Fatal("LoadRouter() returned nil error, want multiple parse errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "SERVER_PORT") {
		t.Errorf("error missing SERVER_PORT, got: %s", errStr)
	}
	if !strings.Contains(errStr, "DEBUG") {
		t.Errorf("error missing DEBUG, got: %s", errStr)
	}
}

func TestEnvList(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"empty", "", 0},
		{"single", "a@example.com", 1},
		{"trims blanks", "a@example.com, ,b@example.com,", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ADMINS", tt.value)
			if got := envList("ADMINS"); len(got) != tt.want {
				t.Errorf("envList() = %v, want %d entries", got, tt.want)
			}
		})
	}
}
