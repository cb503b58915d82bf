// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package ratelimit enforces requests-per-minute and tokens-per-minute caps
// across the scopes a request belongs to (virtual key, tenant, project,
// user, route). Non-route scopes use a fixed calendar-minute window against
// store.RateLimitStore; the route scope additionally blends the previous
// minute's count in proportion to how much of the current minute remains,
// approximating a sliding 60s window with two fixed buckets. When the
// backing store is in-memory, scopes skip the store entirely and acquire
// from a golang.org/x/time/rate.Limiter instead, so a single-process
// deployment never takes a lock beyond the limiter's own.
package ratelimit
