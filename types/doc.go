// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package types holds the shared, dependency-free types used across the
// gateway: the structured error taxonomy consumed by every component and
// surfaced verbatim in HTTP responses.
package types
