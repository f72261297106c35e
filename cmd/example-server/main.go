package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/pecorino-rb/pecorino-go/pkg/pecorino"
	"github.com/redis/go-redis/v9"
)

func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	adapter := pecorino.NewRedisAdapter(client, pecorino.WithPrefix("demo:"))

	http.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// 5 requests/sec per IP, burst 10, blocked for 30s on overflow.
		throttle, err := pecorino.NewThrottle(adapter, pecorino.ThrottleConfig{
			Key:      "ip:" + r.RemoteAddr,
			Capacity: 10,
			LeakRate: 5,
			BlockFor: 30 * time.Second,
		})
		if err != nil {
			log.Printf("throttle config error: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		ok, state, err := throttle.Request(ctx, 1)
		if err != nil {
			// Fail open: a store outage should not take down the whole service.
			log.Printf("throttle error: %v", err)
		} else if !ok {
			retryAfter := ceilSeconds(time.Until(state.BlockedUntil))
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Rate limit exceeded\n"))
			return
		}

		w.Write([]byte("Pong!\n"))
	})

	log.Printf("Server listening on :8080 (Redis: %s)", redisAddr)
	if err := http.ListenAndServe(":8080", nil); err != nil {
		log.Fatal(err)
	}
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
