package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// RedisGateway stores documents in Redis. Each document is a JSON string
// key; a sorted set per collection indexes ids by OccurredAt for ListRange.
// Read-compare-write runs under WATCH and server timestamps come from the
// Redis TIME command.
type RedisGateway struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisGateway wraps client. Keys are namespaced by prefix ("nourish" when empty).
func NewRedisGateway(client redis.UniversalClient, prefix string) *RedisGateway {
	if prefix == "" {
		prefix = "nourish"
	}
	return &RedisGateway{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, classifyRedisError(err)
	}
	return client, nil
}

func (g *RedisGateway) docKey(userID string, collection models.Kind, id string) string {
	return fmt.Sprintf("%s:{%s}:%s:doc:%s", g.prefix, userID, collection, id)
}

func (g *RedisGateway) indexKey(userID string, collection models.Kind) string {
	return fmt.Sprintf("%s:{%s}:%s:index", g.prefix, userID, collection)
}

// stringGetter is the part of a redis client or WATCH transaction readDoc needs.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readDoc(ctx context.Context, c stringGetter, key string) (*Document, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, classifyRedisError(err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDecodingFailed, "corrupt document in redis", err)
	}
	return &doc, nil
}

// write stores next inside the WATCH transaction tx.
func (g *RedisGateway) write(ctx context.Context, tx *redis.Tx, userID string, collection models.Kind, id string, current *Document, next Document) (*Document, error) {
	now, err := tx.Time(ctx).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	next.ID = id
	next.ServerTS = nextServerTS(now.UnixMilli(), current)

	payload, err := json.Marshal(next)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode document", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, g.docKey(userID, collection, id), payload, 0)
		pipe.ZAdd(ctx, g.indexKey(userID, collection), redis.Z{Score: float64(next.OccurredAt), Member: id})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// watch runs fn under WATCH on the document key, retrying on contention.
func (g *RedisGateway) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		err := g.client.Watch(ctx, fn, key)
		if err != redis.TxFailedErr {
			return err
		}
		logging.Debug("Redis transaction conflicted, retrying", map[string]interface{}{
			"key":     key,
			"attempt": attempt,
		})
	}
	return apperrors.New(apperrors.ErrRemote, "document kept changing during transaction")
}

// Transact implements Gateway.
func (g *RedisGateway) Transact(ctx context.Context, userID string, collection models.Kind, id string, fn TransactFunc) (*Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	key := g.docKey(userID, collection, id)

	var result *Document
	err := g.watch(ctx, key, func(tx *redis.Tx) error {
		current, err := readDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}
		result, err = g.write(ctx, tx, userID, collection, id, current, *next)
		return err
	})
	if err != nil {
		return nil, classifyRedisError(err)
	}
	return result, nil
}

// CompareAndPut implements Backend.
func (g *RedisGateway) CompareAndPut(ctx context.Context, userID string, collection models.Kind, id string, expected int64, doc Document) (*Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	key := g.docKey(userID, collection, id)

	var result *Document
	err := g.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		if expected != AnyVersion {
			if (expected == 0 && current != nil) || (expected > 0 && (current == nil || current.ServerTS != expected)) {
				return ErrPrecondition
			}
		}
		result, err = g.write(ctx, tx, userID, collection, id, current, doc)
		return err
	}, key)
	if err == redis.TxFailedErr {
		return nil, ErrPrecondition
	}
	if err != nil {
		return nil, classifyRedisError(err)
	}
	return result, nil
}

// Get implements Backend.
func (g *RedisGateway) Get(ctx context.Context, userID string, collection models.Kind, id string) (*Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	return readDoc(ctx, g.client, g.docKey(userID, collection, id))
}

// Delete implements Gateway.
func (g *RedisGateway) Delete(ctx context.Context, userID string, collection models.Kind, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, g.docKey(userID, collection, id))
		pipe.ZRem(ctx, g.indexKey(userID, collection), id)
		return nil
	})
	return classifyRedisError(err)
}

// ListRange implements Gateway.
func (g *RedisGateway) ListRange(ctx context.Context, userID string, collection models.Kind, since int64) ([]Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	lower := "-inf"
	if since > 0 {
		lower = strconv.FormatInt(since, 10)
	}
	ids, err := g.client.ZRangeByScore(ctx, g.indexKey(userID, collection), &redis.ZRangeBy{Min: lower, Max: "+inf"}).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = g.docKey(userID, collection, id)
	}
	values, err := g.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}

	docs := make([]Document, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // removed between ZRANGE and MGET
		}
		var doc Document
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDecodingFailed, fmt.Sprintf("corrupt document %s", ids[i]), err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Ping implements Pinger.
func (g *RedisGateway) Ping(ctx context.Context) error {
	return classifyRedisError(g.client.Ping(ctx).Err())
}

func classifyRedisError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) || stderrors.Is(err, ErrPrecondition) ||
		stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperrors.Wrap(apperrors.ErrTransactionTimeout, "redis request timed out", err)
		}
		return apperrors.Wrap(apperrors.ErrNoNetwork, "redis unreachable", err)
	}
	return apperrors.Wrap(apperrors.ErrRemote, "redis request failed", err)
}

var _ Gateway = (*RedisGateway)(nil)
var _ Backend = (*RedisGateway)(nil)
var _ Pinger = (*RedisGateway)(nil)
