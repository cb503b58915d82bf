// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package store defines the gateway's persistence boundary: virtual-key
// lookup, rate-limit counters, two-phase budget reservations, the audit hash
// chain, and the shared response cache. Three backends implement the same
// interface — memory, relational (embedded sqlite), and kv (redis) — so the
// rest of the gateway never branches on which one is active.
package store
