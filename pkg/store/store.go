// Package store is the SharedStore adapter: typed operations over the
// external KV+queue+pub/sub service backing NetPulse's cluster state,
// jobs, and worker records. It wraps a redis.Client and exposes the
// KV/hash/list/pub-sub contract the core components need.
package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/netpulse/netpulse/config"
	"github.com/netpulse/netpulse/pkg/errors"
)

const namespace = "netpulse:"

// Reserved key names.
const (
	HostToNodeMapKey = namespace + "host_to_node_map"
	NodeInfoMapKey   = namespace + "node_info_map"
	FifoQueueKey     = namespace + "queue:fifo"
)

// WorkerKey returns the per-worker record key.
func WorkerKey(name string) string { return fmt.Sprintf("%sworkers:%s", namespace, name) }

// JobKey returns the per-job record key.
func JobKey(id string) string { return fmt.Sprintf("%sjobs:%s", namespace, id) }

// PinnedQueueKey returns the pinned-queue key for a device host.
func PinnedQueueKey(host string) string { return fmt.Sprintf("%squeue:pinned:%s", namespace, host) }

// ControlChannel returns the pub/sub channel a node listens on for spawn
// and kill commands.
func ControlChannel(nodeID string) string { return fmt.Sprintf("%scontrol:%s", namespace, nodeID) }

// ControlReplyChannel returns the reply channel for a given request.
func ControlReplyChannel(requestID string) string {
	return fmt.Sprintf("%scontrol:reply:%s", namespace, requestID)
}

// WorkerControlChannel returns the pub/sub channel a single worker process
// listens on directly, for termination requests that don't route through a
// NodeSupervisor (FifoWorker processes are not supervisor-owned).
func WorkerControlChannel(name string) string {
	return fmt.Sprintf("%scontrol:worker:%s", namespace, name)
}

// Store wraps a redis.Client with the typed operations the core needs.
// Every operation surfaces I/O failures as *errors.AppError with kind
// StoreUnavailable.
type Store struct {
	client *redis.Client
}

// New dials the shared store and verifies connectivity.
func New(cfg *config.StoreConfig) (*Store, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var client *redis.Client
	if cfg.MasterName != "" && len(cfg.SentinelAddrs) > 0 {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	} else {
		client = redis.NewClient(opts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}

	return &Store{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get reads a single key. Returns ("", nil) if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.NewStoreUnavailable(err)
	}
	return val, nil
}

// Set writes a key with an optional TTL (0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// HSet sets a single hash field.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// HGet reads a single hash field. Returns ("", false, nil) if absent.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewStoreUnavailable(err)
	}
	return val, true, nil
}

// HDel removes a hash field.
func (s *Store) HDel(ctx context.Context, key, field string) error {
	if err := s.client.HDel(ctx, key, field).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// HGetAll returns every field/value pair of a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}
	return m, nil
}

// HIncrBy atomically adjusts a numeric hash field.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailable(err)
	}
	return v, nil
}

// ListPush appends a value to a queue (list).
func (s *Store) ListPush(ctx context.Context, queue, value string) error {
	if err := s.client.LPush(ctx, queue, value).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// ListPopBlocking pops the oldest value off a queue, blocking up to timeout.
// Returns ("", false, nil) on timeout with no error: timeout is not a
// failure.
func (s *Store) ListPopBlocking(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	result, err := s.client.BRPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, errors.NewStoreUnavailable(err)
	}
	if len(result) < 2 {
		return "", false, errors.NewInternalError("malformed queue pop result")
	}
	return result[1], true, nil
}

// ListLen returns the current length of a queue.
func (s *Store) ListLen(ctx context.Context, queue string) (int64, error) {
	n, err := s.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailable(err)
	}
	return n, nil
}

// ListRemoveByID removes every occurrence of value from queue, returning the
// count actually removed.
func (s *Store) ListRemoveByID(ctx context.Context, queue, value string) (int64, error) {
	n, err := s.client.LRem(ctx, queue, 0, value).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailable(err)
	}
	return n, nil
}

// SetAdd adds value to a set (used for the jobs-index supplemental lookup
// structure needed by GET /job's filters; the store's documented contract
// only names per-key records and queues, not a global job listing).
func (s *Store) SetAdd(ctx context.Context, key, value string) error {
	if err := s.client.SAdd(ctx, key, value).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// SetRemove removes value from a set.
func (s *Store) SetRemove(ctx context.Context, key, value string) error {
	if err := s.client.SRem(ctx, key, value).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// SetMembers returns every member of a set.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}
	return members, nil
}

// Publish sends msg on channel.
func (s *Store) Publish(ctx context.Context, channel, msg string) error {
	if err := s.client.Publish(ctx, channel, msg).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// Subscribe returns a lazy sequence of messages on channel. Callers must
// Close() the returned subscription.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}

// casScript implements compare-and-swap against a single hash field: only
// writes newVal if the current value equals expected ("" meaning "field
// must not exist"). Returns the value actually observed before the swap,
// so callers can distinguish a successful CAS from a conflicting one.
var casScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], ARGV[1])
if (current == false and ARGV[2] == "") or (current == ARGV[2]) then
	if ARGV[3] == "" then
		redis.call("HDEL", KEYS[1], ARGV[1])
	else
		redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
	end
	return {1, current or ""}
end
return {0, current or ""}
`)

// CompareAndSwap performs an atomic compare-and-swap on a single hash
// field: if the field's current value equals expected, it is set to
// newVal (newVal=="" deletes the field). Returns whether the swap
// succeeded and the value observed prior to the attempt.
func (s *Store) CompareAndSwap(ctx context.Context, key, field, expected, newVal string) (bool, string, error) {
	res, err := casScript.Run(ctx, s.client, []string{key}, field, expected, newVal).Result()
	if err != nil {
		return false, "", errors.NewStoreUnavailable(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, "", errors.NewInternalError("malformed CAS script result")
	}
	ok1, _ := arr[0].(int64)
	prior, _ := arr[1].(string)
	return ok1 == 1, prior, nil
}
