// Package engine implements the DPQ atomic state-transition engine: the
// Lua script that encodes push/pop/get_size/enqueue_delayed/delay_group/
// set_visibility/remove_from_delayed_queue, and the registrar that keeps
// it resident on the store by content digest.
package engine

import (
	_ "embed"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

//go:embed queue.lua
var source string

// Source returns the embedded Lua script text, exposed for callers (such
// as gopher-lua based tests) that want to parse or execute it outside of
// a live Redis connection.
func Source() string {
	return source
}

// KeyNames returns the six Redis key names backing queue, in the
// exact order the script expects them as KEYS.
func KeyNames(queue string) []string {
	return []string{
		queue + ":runnable",
		queue + ":delayed",
		queue + ":attempts",
		queue + ":groups",
		queue + ":priority",
		queue + ":retries",
	}
}

// Registrar loads queue.lua onto the store once, keyed by its SHA-1
// content digest, and invokes it by digest thereafter. It transparently
// reloads and retries once if the store reports the script missing
// (e.g. after a SCRIPT FLUSH or a server restart evicted it).
type Registrar struct {
	rdb  redis.Scripter
	sha1 string
}

// NewRegistrar computes the digest of the embedded script and ensures it
// is resident on the store.
func NewRegistrar(ctx context.Context, rdb redis.Scripter) (*Registrar, error) {
	sum := sha1.Sum([]byte(source))
	r := &Registrar{rdb: rdb, sha1: hex.EncodeToString(sum[:])}

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registrar) ensureLoaded(ctx context.Context) error {
	exists, err := r.rdb.ScriptExists(ctx, r.sha1).Result()
	if err != nil {
		return fmt.Errorf("engine: script exists: %w", err)
	}
	if len(exists) == 1 && exists[0] {
		return nil
	}

	sha, err := r.rdb.ScriptLoad(ctx, source).Result()
	if err != nil {
		return fmt.Errorf("engine: script load: %w", err)
	}
	r.sha1 = sha

	return nil
}

// Eval invokes op against queue by digest, reloading the script and
// retrying once if the store reports NOSCRIPT.
func (r *Registrar) Eval(ctx context.Context, op, queue string, args ...interface{}) (interface{}, error) {
	keys := KeyNames(queue)
	argv := append([]interface{}{op}, args...)

	res, err := r.rdb.EvalSha(ctx, r.sha1, keys, argv...).Result()
	if err != nil && isNoScript(err) {
		if reloadErr := r.ensureLoaded(ctx); reloadErr != nil {
			return nil, fmt.Errorf("engine: reload after NOSCRIPT: %w", reloadErr)
		}
		res, err = r.rdb.EvalSha(ctx, r.sha1, keys, argv...).Result()
	}

	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: eval %s: %w", op, err)
	}

	return res, nil
}

func isNoScript(err error) bool {
	return strings.Contains(err.Error(), "NOSCRIPT")
}
