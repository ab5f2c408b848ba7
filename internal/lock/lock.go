// Package lock provides advisory locks keyed by identifier so that
// reconciliations touching the same email or phone run one at a time.
package lock

import (
	"context"
	"errors"
	"sort"
)

// ErrTimeout is returned when a lock could not be acquired before the
// context deadline or the configured wait.
var ErrTimeout = errors.New("lock acquisition timed out")

// Release frees the locks obtained by Acquire. It is safe to call once.
type Release func()

// Locker acquires a set of keys together. Implementations take keys in sorted
// order so overlapping sets cannot deadlock.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (Release, error)
}

// Keys returns the lock keys for an identifier pair.
func Keys(email, phone *string) []string {
	var keys []string
	if email != nil {
		keys = append(keys, "email:"+*email)
	}
	if phone != nil {
		keys = append(keys, "phone:"+*phone)
	}
	return keys
}

// normalize sorts and dedups keys.
func normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
