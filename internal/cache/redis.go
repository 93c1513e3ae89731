package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/redis/go-redis/v9"
)

// Redis keeps each user's snapshot in three hashes: entities keyed by
// "collection/id", the mutation journal keyed by mutation id, and a meta hash
// with the format version.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*Redis)(nil)

// OpenRedis connects to redisURL and scopes keys to userID.
func OpenRedis(ctx context.Context, redisURL, userID string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, userID), nil
}

// NewRedisWithClient creates a backend from an existing client.
func NewRedisWithClient(client *redis.Client, userID string) *Redis {
	sum := sha256.Sum256([]byte(userID))
	return &Redis{
		client: client,
		prefix: "kept:" + hex.EncodeToString(sum[:])[:16] + ":",
	}
}

func (r *Redis) key(name string) string { return r.prefix + name }

func (r *Redis) PutMutation(m queue.Mutation) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}
	return mapRedisErr("journal mutation", r.client.HSet(context.Background(), r.key("mutations"), m.ID, body).Err())
}

func (r *Redis) DeleteMutation(id string) error {
	return mapRedisErr("delete mutation", r.client.HDel(context.Background(), r.key("mutations"), id).Err())
}

// LoadSnapshot reads the user's hashes. Version 1 stored bare confirmed rows;
// they are upgraded to entries. Snapshots from a newer format are discarded.
func (r *Redis) LoadSnapshot(ctx context.Context) (Snapshot, []queue.Mutation, error) {
	meta, err := r.client.HGetAll(ctx, r.key("meta")).Result()
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("load meta: %w", err)
	}
	version, _ := strconv.Atoi(meta["version"])
	if version > SnapshotVersion {
		slog.Warn("cache written by a newer version, discarding", "version", version, "supported", SnapshotVersion)
		return Snapshot{Version: SnapshotVersion}, nil, r.Clear(ctx)
	}
	snap := Snapshot{Version: SnapshotVersion, UserID: meta["user_id"]}
	snap.SavedAt, _ = time.Parse(time.RFC3339Nano, meta["saved_at"])

	raw, err := r.client.HGetAll(ctx, r.key("entities")).Result()
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("load entities: %w", err)
	}
	for field, value := range raw {
		e, err := decodeRedisEntry(version, field, value)
		if err != nil {
			slog.Warn("skip unreadable cached entity", "key", field, "err", err)
			continue
		}
		snap.Entries = append(snap.Entries, e)
	}

	rawMuts, err := r.client.HGetAll(ctx, r.key("mutations")).Result()
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("load mutations: %w", err)
	}
	muts := make([]queue.Mutation, 0, len(rawMuts))
	for _, value := range rawMuts {
		var m queue.Mutation
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			slog.Warn("skip unreadable journaled mutation", "err", err)
			continue
		}
		muts = append(muts, m)
	}
	return snap, muts, nil
}

func decodeRedisEntry(version int, field, value string) (store.Entry, error) {
	if version <= 1 {
		collection, id, ok := strings.Cut(field, "/")
		if !ok {
			return store.Entry{}, fmt.Errorf("bad key %q", field)
		}
		var row schema.Row
		if err := json.Unmarshal([]byte(value), &row); err != nil {
			return store.Entry{}, err
		}
		return store.Entry{Collection: collection, ID: id, Row: row, Confirmed: row.Clone()}, nil
	}
	var e store.Entry
	err := json.Unmarshal([]byte(value), &e)
	return e, err
}

// SaveSnapshot replaces the entity hash atomically.
func (r *Redis) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	fields := make(map[string]any, len(snap.Entries))
	for _, e := range snap.Entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", e.Collection, e.ID, err)
		}
		fields[e.Collection+"/"+e.ID] = data
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key("entities"))
		if len(fields) > 0 {
			pipe.HSet(ctx, r.key("entities"), fields)
		}
		pipe.HSet(ctx, r.key("meta"), map[string]any{
			"version":  SnapshotVersion,
			"user_id":  snap.UserID,
			"saved_at": snap.SavedAt.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	return mapRedisErr("save snapshot", err)
}

func (r *Redis) Clear(ctx context.Context) error {
	return mapRedisErr("clear cache", r.client.Del(ctx, r.key("entities"), r.key("mutations"), r.key("meta")).Err())
}

func (r *Redis) Close() error { return r.client.Close() }

// mapRedisErr turns maxmemory rejections into quota errors.
func mapRedisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "OOM") {
		return QuotaError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
