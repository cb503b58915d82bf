// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package router selects which backend a request's model name dispatches
// to. Selection is a pure function of the candidate set and the request id:
// an FNV-1a hash of the request id picks the weighted-random primary, and
// the same mechanism, reapplied to the shrinking remainder, builds a
// deterministic fallback order. No math/rand anywhere — two calls with the
// same request id and the same candidate set always agree, which makes
// retries and tests reproducible without needing to fake a seed.
package router
