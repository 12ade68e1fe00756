package reconcile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/svarah/svarah-core/internal/store"
)

var validKey = regexp.MustCompile(`^[-/_=a-zA-Z0-9]+$`)

// KVRemote keeps one entity kind in a JetStream key-value bucket. Each key
// holds the latest Envelope; the bucket revision is only used for
// compare-and-set and as the pull cursor.
type KVRemote struct {
	kv   jetstream.KeyValue
	kind store.Kind
}

// OpenKVRemote binds to bucket, creating it when missing.
func OpenKVRemote(ctx context.Context, js jetstream.JetStream, bucket string, kind store.Kind) (*KVRemote, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: fmt.Sprintf("svarah %s records", kind),
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &KVRemote{kv: kv, kind: kind}, nil
}

// Push implements Remote.
func (r *KVRemote) Push(ctx context.Context, env store.Envelope, baseVersion int64) (int64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	key := keyFor(env.ID)

	entry, err := r.kv.Get(ctx, key)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		if _, err := r.kv.Create(ctx, key, data); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return 0, r.conflict(ctx, key)
			}
			return 0, err
		}
		return env.Version, nil
	case err != nil:
		return 0, err
	}

	server, err := decodeEnvelope(entry)
	if err != nil {
		return 0, err
	}
	if server.Version != baseVersion {
		return 0, &ConflictError{Server: server}
	}
	if _, err := r.kv.Update(ctx, key, data, entry.Revision()); err != nil {
		// Someone wrote between Get and Update.
		var conflict *ConflictError
		if cerr := r.conflict(ctx, key); errors.As(cerr, &conflict) && conflict.Server.Version != baseVersion {
			return 0, cerr
		}
		return 0, err
	}
	return env.Version, nil
}

func (r *KVRemote) conflict(ctx context.Context, key string) error {
	entry, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	server, err := decodeEnvelope(entry)
	if err != nil {
		return err
	}
	return &ConflictError{Server: server}
}

// Pull implements Remote. The cursor is the highest bucket revision seen.
func (r *KVRemote) Pull(ctx context.Context, cursor uint64) ([]store.Envelope, uint64, error) {
	watcher, err := r.kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, cursor, err
	}
	defer watcher.Stop()

	var out []store.Envelope
	next := cursor
	for {
		select {
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return out, next, nil
			}
			// A nil entry marks the end of the initial values.
			if entry == nil {
				return out, next, nil
			}
			if entry.Revision() <= cursor {
				continue
			}
			env, err := decodeEnvelope(entry)
			if err != nil {
				return nil, cursor, err
			}
			out = append(out, env)
			next = max(next, entry.Revision())
		}
	}
}

func decodeEnvelope(entry jetstream.KeyValueEntry) (store.Envelope, error) {
	var env store.Envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return store.Envelope{}, fmt.Errorf("decode remote %s: %w", entry.Key(), err)
	}
	return env, nil
}

func keyFor(id string) string {
	if validKey.MatchString(id) {
		return id
	}
	return "x_" + hex.EncodeToString([]byte(id))
}
