// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package health tracks each backend's availability as a passive
// consecutive-failure counter with a cooldown window, generalized from the
// source repo's single circuit breaker (Closed/Open/HalfOpen) to one
// instance per backend name. An optional active Prober supplements the
// passive signal by polling each backend's health endpoint on an interval.
package health
