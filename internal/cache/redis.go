// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rdb is the global Redis client. Connect it once at application startup.
var Rdb *redis.Client

// DefaultHistoryQueue is the Redis list holding committed session transitions
// for the historian.
var DefaultHistoryQueue = "gambit_transitions"

// TransitionRecord is one committed session transition, pushed to the history
// queue and published on the session's channel so auxiliary consumers see the
// same ordered stream the players do.
type TransitionRecord struct {
	SessionID  uuid.UUID              `json:"session_id"`
	Kind       string                 `json:"kind"` // session_created, move_applied, game_ended
	ActorID    uuid.UUID              `json:"actor_id,omitempty"`
	BoardState string                 `json:"board_state,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

// ConnectRedis initializes the global Redis client with environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func ConnectRedis() error {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	Rdb = redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return nil
}

// SessionChannel names the pub/sub channel that carries one event per
// committed transition of a session.
func SessionChannel(sessionID uuid.UUID) string {
	return "gambit_session:" + sessionID.String()
}

// PublishTransition fans a committed transition out to channel subscribers
// and appends it to the history queue. Best-effort beyond the quick network
// send; a publish failure never rolls back the transition it describes.
func PublishTransition(ctx context.Context, record TransitionRecord) error {
	if Rdb == nil {
		return nil
	}
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal TransitionRecord: %w", err)
	}

	if err := Rdb.Publish(ctx, SessionChannel(record.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish transition for session %s: %w", record.SessionID, err)
	}
	queueName := getEnv("HISTORIAN_QUEUE_NAME", DefaultHistoryQueue)
	if err := Rdb.RPush(ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", queueName, err)
	}
	return nil
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
