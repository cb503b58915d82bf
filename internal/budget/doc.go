// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package budget orchestrates the two-phase reserve/commit/rollback
// protocol across every scope a request's cost applies to (key, tenant,
// project, ...), on top of store.BudgetStore. Reservations across scopes
// are acquired in parallel via errgroup, matching the gateway's rule that
// the hot path never serializes on independent scopes; a failure on any
// scope rolls back every scope that already succeeded. A long-lived Reaper
// releases reservations abandoned by crashed requests on a fixed interval,
// independent of any operator-triggered reap.
package budget
