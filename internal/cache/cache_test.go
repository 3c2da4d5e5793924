package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// fakeSource counts store reads so tests can assert cache hits.
type fakeSource struct {
	customData map[string]json.RawMessage
	tokens     map[string][]string

	customDataCalls int
	tokenCalls      int
}

func (f *fakeSource) FetchCustomData(_ context.Context, user string) json.RawMessage {
	f.customDataCalls++
	return f.customData[user]
}

func (f *fakeSource) FetchDeviceFCMTokens(_ context.Context, user string) []string {
	f.tokenCalls++
	return f.tokens[user]
}

func newTestCache(t *testing.T, source *fakeSource) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, New(rdb, source, zerolog.Nop())
}

func TestCustomDataReadThrough(t *testing.T) {
	t.Parallel()

	source := &fakeSource{customData: map[string]json.RawMessage{
		"chat:app1:alice": json.RawMessage(`{"display_name":"Alice"}`),
	}}
	_, c := newTestCache(t, source)
	ctx := context.Background()

	got := c.CustomData(ctx, "chat:app1:alice")
	if string(got) != `{"display_name":"Alice"}` {
		t.Errorf("CustomData() = %s", got)
	}
	if source.customDataCalls != 1 {
		t.Fatalf("store calls = %d, want 1", source.customDataCalls)
	}

	// Second read is served from the cache.
	got = c.CustomData(ctx, "chat:app1:alice")
	if string(got) != `{"display_name":"Alice"}` {
		t.Errorf("cached CustomData() = %s", got)
	}
	if source.customDataCalls != 1 {
		t.Errorf("store calls = %d, want 1 after cache hit", source.customDataCalls)
	}
}

func TestCustomDataCachesAbsence(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	_, c := newTestCache(t, source)
	ctx := context.Background()

	if got := c.CustomData(ctx, "chat:app1:ghost"); got != nil {
		t.Errorf("CustomData() = %s, want nil", got)
	}
	if got := c.CustomData(ctx, "chat:app1:ghost"); got != nil {
		t.Errorf("CustomData() = %s, want nil", got)
	}

	// Absence is a cacheable answer: only the first lookup hits the store.
	if source.customDataCalls != 1 {
		t.Errorf("store calls = %d, want 1", source.customDataCalls)
	}
}

func TestCustomDataExpiry(t *testing.T) {
	t.Parallel()

	source := &fakeSource{customData: map[string]json.RawMessage{
		"chat:app1:alice": json.RawMessage(`{"v":1}`),
	}}
	mr, c := newTestCache(t, source)
	ctx := context.Background()

	c.CustomData(ctx, "chat:app1:alice")
	mr.FastForward(time.Hour + time.Minute)
	c.CustomData(ctx, "chat:app1:alice")

	if source.customDataCalls != 2 {
		t.Errorf("store calls = %d, want 2 after expiry", source.customDataCalls)
	}
}

func TestPushTokensReadThrough(t *testing.T) {
	t.Parallel()

	source := &fakeSource{tokens: map[string][]string{
		"chat:app1:alice": {"fcm-1", "fcm-2"},
	}}
	_, c := newTestCache(t, source)
	ctx := context.Background()

	tokens, appID := c.PushTokens(ctx, "chat:app1:alice")
	if len(tokens) != 2 || tokens[0] != "fcm-1" {
		t.Errorf("tokens = %v", tokens)
	}
	if appID != "app1" {
		t.Errorf("application id = %q, want app1", appID)
	}

	tokens, appID = c.PushTokens(ctx, "chat:app1:alice")
	if len(tokens) != 2 {
		t.Errorf("cached tokens = %v", tokens)
	}
	if appID != "app1" {
		t.Errorf("application id = %q, want app1", appID)
	}
	if source.tokenCalls != 1 {
		t.Errorf("store calls = %d, want 1 after cache hit", source.tokenCalls)
	}
}

func TestPushTokensExpiry(t *testing.T) {
	t.Parallel()

	source := &fakeSource{tokens: map[string][]string{"chat:app1:bob": {"fcm-9"}}}
	mr, c := newTestCache(t, source)
	ctx := context.Background()

	c.PushTokens(ctx, "chat:app1:bob")
	mr.FastForward(12*time.Hour + time.Minute)
	c.PushTokens(ctx, "chat:app1:bob")

	if source.tokenCalls != 2 {
		t.Errorf("store calls = %d, want 2 after expiry", source.tokenCalls)
	}
}

func TestPushTokensSurvivesCacheOutage(t *testing.T) {
	t.Parallel()

	source := &fakeSource{tokens: map[string][]string{"chat:app1:carol": {"fcm-3"}}}
	mr, c := newTestCache(t, source)

	// A dead Redis must degrade to direct store reads, not fail.
	mr.Close()

	tokens, appID := c.PushTokens(context.Background(), "chat:app1:carol")
	if len(tokens) != 1 || tokens[0] != "fcm-3" {
		t.Errorf("tokens = %v", tokens)
	}
	if appID != "app1" {
		t.Errorf("application id = %q", appID)
	}
}

func TestApplicationIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		identifier string
		want       string
	}{
		{"chat:app1:alice", "app1"},
		{"chat:app1", "app1"},
		{"alice", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := applicationIdentifier(tt.identifier); got != tt.want {
			t.Errorf("applicationIdentifier(%q) = %q, want %q", tt.identifier, got, tt.want)
		}
	}
}

func TestConnect(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr(), time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestConnectBadURL(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), "redis://invalid:port:99", time.Second); err == nil {
		t.Fatal("Connect() error = nil, want error")
	}
}
