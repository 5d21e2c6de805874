package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyNamespace         = "tavola"
	changeChannelSuffix  = "changes"
	subscriptionBacklog  = 16
	permissionErrorToken = "NOPERM"
)

// RedisStore implements Store against a Redis deployment. Documents live as
// JSON values under tavola:{tenant}:{collection}:{id}, a per-collection set
// indexes document ids, and change streams ride pub/sub channels.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// RedisStoreConfig configures the Redis-backed remote store.
type RedisStoreConfig struct {
	URL    string
	Logger *zap.Logger
}

// NewRedisStore parses the Redis URL and probes connectivity. An unreachable
// server is not a construction error: the agent starts offline and the
// connectivity monitor picks the store up once it answers.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("remote: parsing redis url: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup", zap.Error(err))
	}

	return &RedisStore{client: client, logger: logger}, nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, tenant, collection, id string) (Record, error) {
	raw, err := s.client.Get(ctx, documentKey(tenant, collection, id)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, classifyRedisError(err)
	}

	data, err := decodeDocument(raw)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Data: data}, nil
}

func (s *RedisStore) Set(ctx context.Context, tenant, collection, id string, data map[string]any, mode MergeMode) error {
	payload := data
	existing, err := s.Get(ctx, tenant, collection, id)
	existed := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if mode == MergeFields && existed {
		payload = mergeFields(existing.Data, data)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("remote: encoding document: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, documentKey(tenant, collection, id), encoded, 0)
	pipe.SAdd(ctx, indexKey(tenant, collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyRedisError(err)
	}

	change := ChangeSet{Modified: []Record{{ID: id, Data: payload}}}
	if !existed {
		change = ChangeSet{Added: []Record{{ID: id, Data: payload}}}
	}
	s.publishChange(ctx, tenant, collection, change)
	return nil
}

func (s *RedisStore) Update(ctx context.Context, tenant, collection, id string, partial map[string]any) error {
	existing, err := s.Get(ctx, tenant, collection, id)
	if err != nil {
		return err
	}
	return s.Set(ctx, tenant, collection, id, mergeFields(existing.Data, partial), MergeReplace)
}

func (s *RedisStore) Delete(ctx context.Context, tenant, collection, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, documentKey(tenant, collection, id))
	pipe.SRem(ctx, indexKey(tenant, collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyRedisError(err)
	}

	s.publishChange(ctx, tenant, collection, ChangeSet{Removed: []Record{{ID: id}}})
	return nil
}

func (s *RedisStore) Query(ctx context.Context, tenant, collection string, filter Filter) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, indexKey(tenant, collection)).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = documentKey(tenant, collection, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}

	records := make([]Record, 0, len(ids))
	for i, value := range values {
		if value == nil {
			continue
		}
		raw, ok := value.(string)
		if !ok {
			continue
		}
		data, err := decodeDocument(raw)
		if err != nil {
			// Malformed documents are skipped so one bad write cannot
			// poison the whole collection read.
			s.logger.Warn("skipping malformed document",
				zap.String("collection", collection),
				zap.String("document_id", ids[i]),
				zap.Error(err))
			continue
		}
		record := Record{ID: ids[i], Data: data}
		if filter != nil && !filter.Matches(record) {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, tenant, collection string) (<-chan ChangeSet, func(), error) {
	pubsub := s.client.Subscribe(ctx, changeChannel(tenant, collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, classifyRedisError(err)
	}

	stream := make(chan ChangeSet, subscriptionBacklog)
	go func() {
		defer close(stream)
		for message := range pubsub.Channel() {
			var change ChangeSet
			if err := json.Unmarshal([]byte(message.Payload), &change); err != nil {
				s.logger.Warn("skipping malformed change notification",
					zap.String("collection", collection),
					zap.Error(err))
				continue
			}
			select {
			case stream <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		pubsub.Close() //nolint:errcheck
	}
	return stream, cancel, nil
}

func (s *RedisStore) publishChange(ctx context.Context, tenant, collection string, change ChangeSet) {
	encoded, err := json.Marshal(change)
	if err != nil {
		s.logger.Warn("failed to encode change notification", zap.Error(err))
		return
	}
	if err := s.client.Publish(ctx, changeChannel(tenant, collection), encoded).Err(); err != nil {
		s.logger.Warn("failed to publish change notification",
			zap.String("collection", collection),
			zap.Error(err))
	}
}

func decodeDocument(raw string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("remote: decoding document: %w", err)
	}
	return data, nil
}

func classifyRedisError(err error) error {
	if strings.Contains(err.Error(), permissionErrorToken) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func documentKey(tenant, collection, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyNamespace, tenant, collection, id)
}

func indexKey(tenant, collection string) string {
	return fmt.Sprintf("%s:%s:%s:_ids", keyNamespace, tenant, collection)
}

func changeChannel(tenant, collection string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyNamespace, tenant, collection, changeChannelSuffix)
}
