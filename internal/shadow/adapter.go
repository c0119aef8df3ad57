// Package shadow provides read/write access to the externally owned
// device-shadow store. Reported state lives in Redis hashes under
// shadow:<source_key>:reported and is read-only from this service; control
// actions write to shadow:<source_key>:desired.
package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a source key or field has no reported value.
var ErrNotFound = errors.New("shadow: field not found")

// FieldRef identifies one field of one shadow source.
type FieldRef struct {
	SourceKey string
	Field     string
}

// Adapter wraps the shared shadow store. Every call carries its own
// deadline so a slow store cannot stall an evaluation.
type Adapter struct {
	client       *redis.Client
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New connects to the store at the given URL and verifies the connection.
func New(url string, readTimeout, writeTimeout time.Duration) (*Adapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("shadow: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("shadow: connect: %w", err)
	}
	return NewWithClient(client, readTimeout, writeTimeout), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, readTimeout, writeTimeout time.Duration) *Adapter {
	if readTimeout <= 0 {
		readTimeout = 2 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	return &Adapter{client: client, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// Read returns the reported value of one field.
func (a *Adapter) Read(ctx context.Context, sourceKey, field string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.readTimeout)
	defer cancel()

	raw, err := a.client.HGet(ctx, reportedKey(sourceKey), field).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("shadow: read %s.%s: %w", sourceKey, field, err)
	}
	return decodeValue(raw), nil
}

// BatchRead resolves several fields, grouping the lookups per source key.
// The result slice is aligned with the request slice; unresolved fields are
// nil entries rather than errors.
func (a *Adapter) BatchRead(ctx context.Context, refs []FieldRef) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.readTimeout)
	defer cancel()

	byKey := make(map[string][]int)
	for i, ref := range refs {
		byKey[ref.SourceKey] = append(byKey[ref.SourceKey], i)
	}

	out := make([]any, len(refs))
	for sourceKey, indexes := range byKey {
		fields := make([]string, len(indexes))
		for i, idx := range indexes {
			fields[i] = refs[idx].Field
		}
		values, err := a.client.HMGet(ctx, reportedKey(sourceKey), fields...).Result()
		if err != nil {
			return nil, fmt.Errorf("shadow: batch read %s: %w", sourceKey, err)
		}
		for i, idx := range indexes {
			if raw, ok := values[i].(string); ok {
				out[idx] = decodeValue(raw)
			}
		}
	}
	return out, nil
}

// WriteDesired sets a desired field. The write is a plain HSET, so
// resending the same key/field/value is safe.
func (a *Adapter) WriteDesired(ctx context.Context, sourceKey, field string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()

	if err := a.client.HSet(ctx, desiredKey(sourceKey), field, encodeValue(value)).Err(); err != nil {
		return fmt.Errorf("shadow: write desired %s.%s: %w", sourceKey, field, err)
	}
	return nil
}

// SetValue stores an arbitrary key/value in the shared store with an
// optional TTL.
func (a *Adapter) SetValue(ctx context.Context, key, field string, value any, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()

	if err := a.client.Set(ctx, "kv:"+key+":"+field, encodeValue(value), ttl).Err(); err != nil {
		return fmt.Errorf("shadow: set value %s.%s: %w", key, field, err)
	}
	return nil
}

// Ping reports store reachability.
func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.readTimeout)
	defer cancel()
	return a.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func reportedKey(sourceKey string) string {
	return "shadow:" + sourceKey + ":reported"
}

func desiredKey(sourceKey string) string {
	return "shadow:" + sourceKey + ":desired"
}

// decodeValue maps the stored string representation back to a Go value.
// Shadow fields are numbers, booleans or strings.
func decodeValue(raw string) any {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

func encodeValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
