package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/livecaption/internal/registry"
	"github.com/redis/go-redis/v9"
)

func TestAgentEncodingRoundTrip(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("JST", 9*60*60))
	encoded := encodeAgent(registry.Agent{SessionID: "s1", RoomID: "vc-1", Status: registry.StatusRunning, StartedAt: started})

	fields := make(map[string]string, len(encoded))
	for k, v := range encoded {
		fields[k] = v.(string)
	}
	agent, ok := decodeAgent(fields)
	if !ok {
		t.Fatal("expected agent to decode")
	}
	if agent.SessionID != "s1" || agent.RoomID != "vc-1" || agent.Status != registry.StatusRunning {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if !agent.StartedAt.Equal(started) {
		t.Fatalf("expected started_at %v, got %v", started, agent.StartedAt)
	}
}

func TestDecodeAgentRejectsIncompleteEntries(t *testing.T) {
	cases := []map[string]string{
		{},
		{"session_id": "s1"},
		{"session_id": " ", "started_at": "2026-03-01T00:00:00Z"},
		{"session_id": "s1", "started_at": "yesterday"},
	}
	for _, fields := range cases {
		if _, ok := decodeAgent(fields); ok {
			t.Fatalf("expected %v to be rejected", fields)
		}
	}
}

func TestAgentKey(t *testing.T) {
	if got := agentKey("abc"); got != "caption-agent:abc" {
		t.Fatalf("unexpected key %q", got)
	}
}

// fakeRedis serves hashes from memory and pages SCAN results two keys at a
// time so the cursor loop is exercised.
type fakeRedis struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	scans   int
	failGet string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: make(map[string]map[string]string)}
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	fields := values[0].(map[string]any)
	for k, v := range fields {
		h[k] = fmt.Sprint(v)
	}
	return redis.NewIntResult(int64(len(fields)), nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.hashes[key]; ok {
			delete(f.hashes, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for key := range f.hashes {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	start := min(int(cursor), len(keys))
	end := min(start+2, len(keys))
	var next uint64
	if end < len(keys) {
		next = uint64(end)
	}
	return redis.NewScanCmdResult(keys[start:end], next, nil)
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failGet {
		return redis.NewMapStringStringResult(nil, errors.New("connection reset"))
	}
	return redis.NewMapStringStringResult(maps.Clone(f.hashes[key]), nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisRegistry_ListActiveEnumeratesAllPages(t *testing.T) {
	client := newFakeRedis()
	reg := &RedisRegistry{client: client}
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"s3", "s1", "s2", "s4", "s5"} {
		if err := reg.Register(ctx, registry.Agent{SessionID: id, RoomID: "vc-" + id, StartedAt: base.Add(time.Duration(5-i) * time.Minute)}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	client.hashes["caption-agent:broken"] = map[string]string{"session_id": "broken", "started_at": "soon"}
	client.hashes["caption-agent:done"] = map[string]string{"session_id": "done", "status": "completed", "started_at": base.Format(time.RFC3339Nano)}
	client.hashes["other:s9"] = map[string]string{"session_id": "s9", "status": registry.StatusRunning, "started_at": base.Format(time.RFC3339Nano)}

	agents, err := reg.ListActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []string
	for _, a := range agents {
		ids = append(ids, a.SessionID)
	}
	if want := []string{"s5", "s4", "s2", "s1", "s3"}; !slices.Equal(ids, want) {
		t.Fatalf("expected running agents ordered by start %v, got %v", want, ids)
	}
	if agents[0].RoomID != "vc-s5" || agents[0].Status != registry.StatusRunning {
		t.Fatalf("unexpected agent: %+v", agents[0])
	}
	if client.scans < 3 {
		t.Fatalf("expected scan to follow the cursor across pages, got %d scans", client.scans)
	}
}

func TestRedisRegistry_UnregisterRemovesAgent(t *testing.T) {
	client := newFakeRedis()
	reg := &RedisRegistry{client: client}
	ctx := context.Background()

	_ = reg.Register(ctx, registry.Agent{SessionID: "s1", StartedAt: time.Now()})
	_ = reg.Register(ctx, registry.Agent{SessionID: "s2", StartedAt: time.Now()})
	if err := reg.Unregister(ctx, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Unregister(ctx, "missing"); err != nil {
		t.Fatalf("expected unregistering an unknown session to succeed, got %v", err)
	}

	agents, err := reg.ListActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agents) != 1 || agents[0].SessionID != "s2" {
		t.Fatalf("expected only s2 to remain, got %+v", agents)
	}
	if _, ok := client.hashes["caption-agent:s1"]; ok {
		t.Fatal("expected s1 hash to be deleted")
	}
}

func TestRedisRegistry_ListActiveReportsReadFailure(t *testing.T) {
	client := newFakeRedis()
	reg := &RedisRegistry{client: client}
	ctx := context.Background()
	_ = reg.Register(ctx, registry.Agent{SessionID: "s1", StartedAt: time.Now()})
	client.failGet = "caption-agent:s1"

	if _, err := reg.ListActive(ctx); err == nil {
		t.Fatal("expected read failure to be returned")
	}
}
