// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package pricing computes USD-micros cost from a per-model pricing table
// (§4.1 steps 5 and 9): a conservative worst-case estimate at reservation
// time, and a LiteLLM-style tiered/cache-aware actual cost once usage is
// observed. All amounts are integer USD micros (1e-6 USD) so budget
// arithmetic never touches floating point.
package pricing
