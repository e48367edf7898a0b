package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/loomworks/loom/internal/memory"
)

func newMirrorEphemeral(t *testing.T) *memory.Ephemeral {
	t.Helper()
	e, err := memory.NewEphemeral("", 0)
	if err != nil {
		t.Fatalf("NewEphemeral() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func newRedisEphemeral(t *testing.T, mr *miniredis.Miniredis) *memory.Ephemeral {
	t.Helper()
	e, err := memory.NewEphemeral("redis://"+mr.Addr(), 0)
	if err != nil {
		t.Fatalf("NewEphemeral() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEphemeralMirrorOnlyRoundTrip(t *testing.T) {
	e := newMirrorEphemeral(t)
	ctx := context.Background()

	if err := e.Put(ctx, "greeting", "hello", time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok := e.Get(ctx, "greeting")
	if !ok {
		t.Fatal("Get() reported miss for a key just written")
	}
	if got != "hello" {
		t.Errorf("Get() = %v, want %q", got, "hello")
	}

	if _, ok := e.Get(ctx, "absent"); ok {
		t.Error("Get() reported hit for a key never written")
	}
}

func TestEphemeralStructuredValues(t *testing.T) {
	e := newMirrorEphemeral(t)
	ctx := context.Background()

	if err := e.Put(ctx, "report", map[string]any{"fetched": 12, "ok": true}, time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok := e.Get(ctx, "report")
	if !ok {
		t.Fatal("Get() reported miss")
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("Get() = %T, want map[string]any", got)
	}
	if m["fetched"] != float64(12) {
		t.Errorf("fetched = %v, want 12", m["fetched"])
	}
	if m["ok"] != true {
		t.Errorf("ok = %v, want true", m["ok"])
	}
}

func TestEphemeralRejectsZeroTTL(t *testing.T) {
	e := newMirrorEphemeral(t)
	if err := e.Put(context.Background(), "k", "v", 0); err == nil {
		t.Error("Put() with zero TTL succeeded, want error")
	}
}

func TestEphemeralMirrorExpiry(t *testing.T) {
	e := newMirrorEphemeral(t)
	ctx := context.Background()

	if err := e.Put(ctx, "short", "lived", 15*time.Millisecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := e.Get(ctx, "short"); !ok {
		t.Fatal("Get() missed before TTL elapsed")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := e.Get(ctx, "short"); ok {
		t.Error("Get() still hit after TTL elapsed")
	}
}

func TestEphemeralWritesReachRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newRedisEphemeral(t, mr)
	ctx := context.Background()

	if err := e.Put(ctx, "shared", "value", time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := mr.Get("shared")
	if err != nil {
		t.Fatalf("redis Get() error = %v", err)
	}
	if got != "value" {
		t.Errorf("redis holds %q, want %q", got, "value")
	}
}

func TestEphemeralRemoteFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	writer := newRedisEphemeral(t, mr)
	reader := newRedisEphemeral(t, mr)
	ctx := context.Background()

	if err := writer.Put(ctx, "handoff", "from-writer", time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// The reader's mirror is empty, so this exercises the remote path.
	got, ok := reader.Get(ctx, "handoff")
	if !ok {
		t.Fatal("Get() missed a key present in redis")
	}
	if got != "from-writer" {
		t.Errorf("Get() = %v, want %q", got, "from-writer")
	}
}

func TestEphemeralDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newRedisEphemeral(t, mr)
	ctx := context.Background()

	if err := e.Put(ctx, "doomed", "v", time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := e.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := e.Get(ctx, "doomed"); ok {
		t.Error("Get() hit after Delete()")
	}
	if mr.Exists("doomed") {
		t.Error("key still present in redis after Delete()")
	}
}

func TestEphemeralDeleteByPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newRedisEphemeral(t, mr)
	ctx := context.Background()

	for _, key := range []string{"jira:latest_data", "jira:last_sync", "github:latest_data"} {
		if err := e.Put(ctx, key, "v", time.Minute); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}

	removed, err := e.DeleteByPrefix(ctx, "jira:")
	if err != nil {
		t.Fatalf("DeleteByPrefix() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("DeleteByPrefix() removed %d keys, want 2", removed)
	}
	if _, ok := e.Get(ctx, "jira:latest_data"); ok {
		t.Error("jira:latest_data survived the prefix delete")
	}
	if _, ok := e.Get(ctx, "github:latest_data"); !ok {
		t.Error("github:latest_data was removed by an unrelated prefix delete")
	}
}

func TestEphemeralHealthCheck(t *testing.T) {
	mirror := newMirrorEphemeral(t)
	if err := mirror.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() mirror-only error = %v, want nil", err)
	}

	mr := miniredis.RunT(t)
	e := newRedisEphemeral(t, mr)
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() with live redis error = %v, want nil", err)
	}
}
