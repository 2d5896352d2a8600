package tapak

import (
	"bytes"
	"context"
	"time"

	"github.com/skynpu77/tapak/internal/singleflight"
)

// refreshKey is the registry key of the session refresh call. Request keys
// always contain NUL separators, so it cannot collide with one.
var refreshKey = keyOf("session:refresh")

// Deduplicator collapses concurrent identical requests into one in-flight
// call whose Result every caller receives.
type Deduplicator struct {
	group *singleflight.Group[DedupKey, Result]
}

// NewDeduplicator returns an empty registry.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{group: singleflight.New[DedupKey, Result]()}
}

// Submit runs work unless a request with the same DedupKey is in flight, in
// which case it returns that request's Result with shared=true. The entry is
// removed as soon as work returns, success or failure.
//
// work receives a context carrying ctx's values but not its cancellation:
// it is cancelled only after every caller waiting on it has given up, so
// one caller's deadline never fails the others.
func (dd *Deduplicator) Submit(ctx context.Context, d Descriptor, work func(context.Context) Result) (Result, bool) {
	key, err := d.Key()
	if err != nil {
		return failure(&ClientError{
			Kind:      ErrorKindInvalidRequest,
			Message:   "request body cannot be encoded",
			Cause:     err,
			Method:    methodOrDefault(d.Method),
			Path:      d.Path,
			Timestamp: time.Now(),
		}), false
	}
	return dd.submitKey(ctx, key, work)
}

func (dd *Deduplicator) submitKey(ctx context.Context, key DedupKey, work func(context.Context) Result) (Result, bool) {
	res, shared, err := dd.group.Do(ctx, key, work)
	if err != nil {
		msg := transportMessage(err)
		if shared {
			msg = "request cancelled while waiting for an identical request"
		}
		return failure(&ClientError{
			Kind:      ErrorKindTransport,
			Message:   msg,
			Cause:     err,
			Timestamp: time.Now(),
		}), shared
	}
	if shared {
		res = res.clone()
	}
	return res, shared
}

// clone gives a waiter its own copy of the error and payload, so mutating
// one caller's Result never shows through another's.
func (r Result) clone() Result {
	if r.Err != nil {
		e := *r.Err
		r.Err = &e
	}
	if r.Data != nil {
		r.Data = bytes.Clone(r.Data)
	}
	return r
}

// InFlight reports the number of registered in-flight requests.
func (dd *Deduplicator) InFlight() int {
	return dd.group.InFlight()
}
