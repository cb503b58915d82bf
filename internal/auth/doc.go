// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package auth resolves an inbound request's virtual key (§4.1 step 2):
// bearer-token equality against the configured registry, in a fixed
// header-precedence order, with the scope-relevant bits of the key's
// configuration (limits, budget, guardrails, forced route) recovered
// from the store's opaque ConfigJSON column.
package auth
