// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package backend dispatches one proxied request to a single upstream
// backend (§4.1 step 8): header injection, model_map rewriting,
// per-backend concurrency permits, and a per-backend timeout. It does
// not retry or pick among backends — that is the proxy pipeline's job,
// iterating the router's candidate order and calling Dispatch once per
// attempt.
package backend
