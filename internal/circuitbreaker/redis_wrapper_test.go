package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapper_NormalOperations(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	if err := wrapper.Ping(ctx).Err(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	ok, err := wrapper.SetNX(ctx, "probe:run:1", "token-a", time.Minute).Result()
	if err != nil || !ok {
		t.Fatalf("SetNX expected to acquire, got ok=%v err=%v", ok, err)
	}
	ok, err = wrapper.SetNX(ctx, "probe:run:1", "token-b", time.Minute).Result()
	if err != nil || ok {
		t.Fatalf("second SetNX must not acquire, got ok=%v err=%v", ok, err)
	}

	if v := wrapper.Get(ctx, "probe:run:1").Val(); v != "token-a" {
		t.Errorf("Expected token-a, got %q", v)
	}

	n, err := wrapper.Eval(ctx, "return redis.call('DEL', KEYS[1])", []string{"probe:run:1"}).Int()
	if err != nil || n != 1 {
		t.Errorf("Eval expected 1 deletion, got %d err=%v", n, err)
	}

	if err := wrapper.Get(ctx, "probe:run:1").Err(); err != redis.Nil {
		t.Errorf("Expected redis.Nil after delete, got %v", err)
	}
	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Circuit breaker should remain closed for redis.Nil")
	}
}

func TestRedisWrapper_CircuitBreakerTriggering(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:9999",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	wrapper := NewRedisWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if wrapper.Ping(ctx).Err() == nil {
			t.Error("Expected ping to fail against non-existent server")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}
	if err := wrapper.Get(ctx, "any:key").Err(); err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}
}
