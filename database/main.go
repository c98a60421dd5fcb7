package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New connects to redis at addr and verifies the connection with a ping.
func New(addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if res := rdb.Ping(ctx); res.Err() != nil {
		return nil, fmt.Errorf("could not connect to redis: %w", res.Err())
	}
	return rdb, nil
}
