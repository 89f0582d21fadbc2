/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package statestore persists engine state that must survive a
// restart in Redis: the serialized coincidence cache, the heartbeat
// monitor's live-detector snapshot, and the leader flag written by
// the external election.
package statestore // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/statestore"

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/cache"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/heartbeat"
)

// Redis keys the store owns. The leader key is only ever read here;
// the election process writes it.
const (
	keyCache    = `snews-cs:cache`
	keySnapshot = `snews-cs:heartbeat-snapshot`
	keyLeader   = `snews-cs:leader`
)

// Store wraps the Redis client.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Store{client: client}, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// SaveCache persists the serialized coincidence cache. The value
// expires after ttl so a long-dead instance does not resurrect stale
// sub-groups.
func (s *Store) SaveCache(ctx context.Context, c *cache.Cache, ttl time.Duration) error {
	data, err := c.Serialize()
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyCache, data, ttl).Err()
}

// LoadCache restores a previously saved cache. A missing key returns
// (nil, nil): the caller starts empty.
func (s *Store) LoadCache(ctx context.Context) (*cache.Cache, error) {
	data, err := s.client.Get(ctx, keyCache).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cache.Deserialize(data)
}

// SaveHeartbeatSnapshot persists the monitor's current live-detector
// view.
func (s *Store) SaveHeartbeatSnapshot(ctx context.Context, snap *heartbeat.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keySnapshot, data, ttl).Err()
}

// Leader reads the externally-elected leader flag. A missing key or a
// read error reports false: a follower that cannot confirm leadership
// must not publish.
func (s *Store) Leader(ctx context.Context) bool {
	val, err := s.client.Get(ctx, keyLeader).Result()
	if err != nil {
		return false
	}
	return val == `1` || val == `true`
}
