package invalidation_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/invalidation"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store/memcache"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store/redisstore"
)

func TestIntegration_Miniredis_LinkResetClearsResults(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx := context.Background()
	st, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	res := store.Result{
		AppUserID:   "u1",
		RequestHash: "abc123",
		StatusCode:  200,
		OK:          true,
		Payload:     json.RawMessage(`{"medical":[]}`),
		FetchedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := st.SaveResult(ctx, res); err != nil {
		t.Fatalf("save result: %v", err)
	}

	mem, err := memcache.New(16)
	if err != nil {
		t.Fatalf("memcache: %v", err)
	}
	mem.Put("u1", "abc123", memcache.Entry{
		AppUserID: "u1",
		Payload:   res.Payload,
		OK:        true,
		FetchedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})

	cons := kafkaconsumer.New(
		kafkaconsumer.NewConfig(mr.Addr(), "nhis-cache-invalidation", "test-group"),
		nil, st, mem)

	ev := invalidation.Event{
		Version:   1,
		Op:        invalidation.OpLinkReset,
		AppUserID: "u1",
		TS:        now,
		Source:    "test",
	}
	body, _ := json.Marshal(ev)
	msg := &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Value: body}

	if err := cons.ProcessOne(ctx, msg); err != nil {
		t.Fatalf("processOne: %v", err)
	}

	if _, err := st.GetResult(ctx, "u1", "abc123"); err == nil {
		t.Fatalf("expected stored result to be cleared")
	}
	if _, ok := mem.Get("u1", "abc123", now, false, 0); ok {
		t.Fatalf("expected hot-cache entry to be dropped")
	}
}
