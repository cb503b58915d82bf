// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package guardrails runs the gateway's pre-flight checks over an inbound
// request (§4.8): model allow/deny, banned phrases/regexes, a PII
// heuristic, an input-token cap, and a schema shape check, in that fixed
// order. Every check is a pure function of the request and the active
// VirtualKey's GuardrailsConfig; the first one to reject short-circuits
// the rest.
package guardrails
