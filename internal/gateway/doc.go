// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package gateway orchestrates the end-to-end proxy pipeline (§4.1,
// §4.9): one http.Handler implementing auth, guardrails, rate-limit
// acquisition, budget reservation, cache lookup, routing, backend
// dispatch with retry/failover, usage observation, budget settlement,
// and cache population, for every ANY /v1/* request. Streaming
// (text/event-stream) responses are forwarded byte-for-byte as they
// arrive rather than buffered.
package gateway
