// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

/*
Package cache implements the gateway's two-tier response cache (§4.7).

# Overview

L1 is an in-process LRU bounded by both entry count and total bytes. L2 is
the shared store.CacheStore (backed by whichever of the Store backends the
deployment runs), written through on every L1 miss-then-fill and read
through on every L1 miss. Both tiers share one cache key, derived from the
request's method, path, body hash, and auth scope.

# Core types

  - Cache: the two-tier cache itself — Get/Set/Delete/PurgeAll.
  - KeyFor: the §4.7 key formula.
  - Eligible / Bypassed: the pure predicates that decide whether a given
    request/response pair is allowed to populate or consult the cache.

This package replaces what used to be a thin Redis connection wrapper here;
that role is now the Store's job (see internal/store/kv), since the cache
needs a backend-agnostic L2, not a hard Redis dependency.
*/
package cache
