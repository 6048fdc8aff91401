package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is a key/value cache with per-entry TTL.
// Get returns (nil, nil) on a miss or an expired entry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// GetJSON reads key and decodes it into v. found is false on a miss.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// LatestPositionKey holds the most recent accepted fix of a vehicle
func LatestPositionKey(vehicleID string) string {
	return "gps:latest:" + vehicleID
}

// LastSeenKey holds the last accepted fix timestamp, used for dedup
func LastSeenKey(vehicleID string) string {
	return "gps:last:" + vehicleID
}

// ETAKey holds the arrival estimate for a vehicle/stop pair
func ETAKey(vehicleID, stopID string) string {
	return fmt.Sprintf("eta:%s:%s", vehicleID, stopID)
}

// StopETAsKey holds every live estimate known for a stop
func StopETAsKey(stopID string) string {
	return "stop:etas:" + stopID
}

// ApproachNoticeKey marks that approach notifications were already sent
func ApproachNoticeKey(vehicleID, stopID string) string {
	return fmt.Sprintf("notify:approach:%s:%s", vehicleID, stopID)
}
