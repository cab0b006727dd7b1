package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/invalidation"
)

func getenv(key, def string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return def
}

func testRedis(ctx context.Context, addr string) error {
	fmt.Println("Redis test")
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	defer func() { _ = client.Close() }()

	pingErr := client.Ping(ctx).Err()
	if pingErr != nil {
		return fmt.Errorf("redis ping: %w", pingErr)
	}

	setErr := client.Set(ctx, "hello", "world", 30*time.Second).Err()
	if setErr != nil {
		return fmt.Errorf("redis set: %w", setErr)
	}

	val, err := client.Get(ctx, "hello").Result()
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}

	fmt.Println("redis GET hello: ", val)
	return nil
}

func testProvider(baseURL string) error {
	fmt.Println("Provider reachability test")

	// An empty body is fine here, the point is seeing an envelope come back
	endpoint := strings.TrimRight(baseURL, "/") + "/in0002000970"
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("bad provider URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader([]byte(`{}`)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v := os.Getenv("PROVIDER_USER_ID"); v != "" {
		req.Header.Set("user-id", v)
	}
	if v := os.Getenv("PROVIDER_HKEY"); v != "" {
		req.Header.Set("Hkey", v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http post provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Only read a small part of body
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	fmt.Printf("provider status %d, sample:\n%s\n", resp.StatusCode, string(body))
	return nil
}

func testKafka(brokers []string, topic string) error {
	fmt.Println("Kafka test")

	// Configure sarama and produce a message
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V3_6_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	ev := invalidation.Event{
		Version:   1,
		Op:        invalidation.OpLinkReset,
		AppUserID: "depcheck-user",
		TS:        time.Now().UTC(),
		Source:    "depcheck",
	}

	// Convert to json and send
	msgBytes, _ := json.Marshal(ev)
	_, _, err = prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic, Value: sarama.ByteEncoder(msgBytes),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Println("produced one message")

	// Consume the message
	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("consumer create: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		pc, err = consumer.ConsumePartition(topic, 0, sarama.OffsetOldest)
		if err != nil {
			return fmt.Errorf("consume partition: %w", err)
		}
	}
	defer func() { _ = pc.Close() }()

	select {
	case m := <-pc.Messages():
		fmt.Println("consumed:", string(m.Value))
	case <-time.After(5 * time.Second):
		fmt.Println("no message consumed (timeout)")
	}

	return nil
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	provider := getenv("PROVIDER_BASE_URL", "https://api.hyphen.im")
	brokers := strings.Split(getenv("KAFKA_BROKERS", "localhost:9092"), ",")
	topic := getenv("KAFKA_TOPIC", "nhis-cache-invalidation")

	if err := testRedis(ctx, redisAddr); err != nil {
		fmt.Println("Redis error:", err)
		return
	}
	if err := testProvider(provider); err != nil {
		fmt.Println("Provider error:", err)
		return
	}
	if err := testKafka(brokers, topic); err != nil {
		fmt.Println("Kafka error:", err)
		return
	}
	fmt.Println("All tests completed")
}
