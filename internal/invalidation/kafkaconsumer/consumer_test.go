package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/invalidation"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store"
)

type fakeResults struct {
	mu        sync.Mutex
	cleared   []string
	failFirst bool
}

func (f *fakeResults) SaveResult(context.Context, store.Result) error { return nil }
func (f *fakeResults) GetResult(context.Context, string, string) (*store.Result, error) {
	return nil, store.ErrNotFound
}
func (f *fakeResults) MarkResultHit(context.Context, string, string, time.Time) error { return nil }
func (f *fakeResults) ClearUserResults(_ context.Context, appUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst {
		f.failFirst = false
		return errors.New("boom")
	}
	f.cleared = append(f.cleared, appUserID)
	return nil
}

type fakeMem struct {
	mu      sync.Mutex
	dropped []string
}

func (f *fakeMem) DropUser(appUserID string) {
	f.mu.Lock()
	f.dropped = append(f.dropped, appUserID)
	f.mu.Unlock()
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "nhis-cache-invalidation" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(appUserID string) []byte {
	b, _ := json.Marshal(invalidation.Event{
		Version: 1, Op: invalidation.OpLinkReset, AppUserID: appUserID, TS: time.Now().UTC(),
	})
	return b
}

func newConsumerForTest(fr *fakeResults, fm *fakeMem) *Consumer {
	cfg := NewConfig("x", "nhis-cache-invalidation", "g")
	return New(cfg, slog.Default(), fr, fm)
}

func TestProcessClearsStoreAndMemory(t *testing.T) {
	fr := &fakeResults{}
	fm := &fakeMem{}
	c := newConsumerForTest(fr, fm)

	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 10, Value: eventBytes("u1")}
	ch <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 11, Value: eventBytes("u2")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	if len(fr.cleared) != 2 || fr.cleared[0] != "u1" || fr.cleared[1] != "u2" {
		t.Fatalf("cleared=%v", fr.cleared)
	}
	if len(fm.dropped) != 2 {
		t.Fatalf("memory drops=%v", fm.dropped)
	}
}

func TestRetryCommitOnceAfterSuccess(t *testing.T) {
	fr := &fakeResults{failFirst: true}
	c := newConsumerForTest(fr, &fakeMem{})
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 5, Value: eventBytes("u1")}
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatalf("expected error on first attempt")
	}

	s := &sess{ctx: ctx}
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset was not marked after success; marked=%v", s.marked)
	}
}

func TestInvalidEventSkippedNotRetried(t *testing.T) {
	fr := &fakeResults{}
	c := newConsumerForTest(fr, &fakeMem{})

	bad, _ := json.Marshal(invalidation.Event{Version: 1, Op: "unknown", AppUserID: "u1", TS: time.Now()})
	msg := &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 7, Value: bad}
	if err := c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("invalid event should be skipped, got %v", err)
	}
	if len(fr.cleared) != 0 {
		t.Fatalf("invalid event cleared caches: %v", fr.cleared)
	}
}
