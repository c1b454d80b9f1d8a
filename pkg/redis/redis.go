package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const snapshotPrefix = "facepoke:session:"

var ErrSnapshotNotFound = errors.New("session snapshot not found")

// IRedis stores the last known view of each editing session so it can be
// served after the browser connection that owned it is gone.
type IRedis interface {
	SetSnapshot(ctx context.Context, sessionID string, payload []byte, expiration time.Duration) error
	GetSnapshot(ctx context.Context, sessionID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, sessionID string) error
}

type redisClient struct {
	client *redis.Client
}

func New() IRedis {
	db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	redisAddr := os.Getenv("REDIS_ADDRESS")
	redisPassword := os.Getenv("REDIS_PASSWORD")

	logrus.Info(fmt.Sprintf("Connecting to Redis at %s...", redisAddr))

	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		logrus.Error(fmt.Sprintf("Failed to connect to Redis: %v", err))
	} else {
		logrus.Info("Successfully connected to Redis")
	}

	return NewWithClient(client)
}

func NewWithClient(client *redis.Client) IRedis {
	return &redisClient{client: client}
}

func snapshotKey(sessionID string) string {
	return snapshotPrefix + sessionID
}

func (r *redisClient) SetSnapshot(ctx context.Context, sessionID string, payload []byte, expiration time.Duration) error {
	key := snapshotKey(sessionID)
	err := r.client.Set(ctx, key, payload, expiration).Err()
	if err != nil {
		logrus.Error(fmt.Sprintf("Error setting snapshot for key %s: %v", key, err))
		return err
	}
	return nil
}

func (r *redisClient) GetSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	key := snapshotKey(sessionID)
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		logrus.Debug(fmt.Sprintf("Snapshot not found for key %s", key))
		return nil, ErrSnapshotNotFound
	} else if err != nil {
		logrus.Error(fmt.Sprintf("Error getting snapshot for key %s: %v", key, err))
		return nil, err
	}
	return val, nil
}

func (r *redisClient) DeleteSnapshot(ctx context.Context, sessionID string) error {
	key := snapshotKey(sessionID)
	result, err := r.client.Del(ctx, key).Result()
	if err != nil {
		logrus.Error(fmt.Sprintf("Error deleting snapshot for key %s: %v", key, err))
		return err
	}

	if result == 0 {
		logrus.Debug(fmt.Sprintf("Snapshot key %s not found for deletion", key))
	}
	return nil
}
