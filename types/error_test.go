package types

import (
	"errors"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("openai")

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_ToEnvelope(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code       ErrorCode
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{ErrMissingVirtualKey, 401, "invalid_request_error", "invalid_api_key"},
		{ErrRateLimitExceeded, 429, "rate_limit_exceeded", "rate_limit_exceeded"},
		{ErrInsufficientQuota, 402, "insufficient_quota", "insufficient_quota"},
		{ErrPayloadTooLarge, 413, "invalid_request_error", "payload_too_large"},
	}

	for _, tc := range cases {
		err := NewError(tc.code, "boom").WithRequestID("ditto-1-1")
		status, env := err.ToEnvelope()
		if status != tc.wantStatus {
			t.Fatalf("%s: status = %d, want %d", tc.code, status, tc.wantStatus)
		}
		if env.Error.Type != tc.wantType || env.Error.Code != tc.wantCode {
			t.Fatalf("%s: got type=%s code=%s", tc.code, env.Error.Type, env.Error.Code)
		}
		if env.Error.RequestID != "ditto-1-1" {
			t.Fatalf("expected request id to propagate into envelope")
		}
	}
}

func TestError_ToEnvelope_UpstreamMirrorsCallerStatus(t *testing.T) {
	t.Parallel()

	err := NewError(ErrUpstreamError, "bad gateway").WithHTTPStatus(502)
	status, env := err.ToEnvelope()
	if status != 502 {
		t.Fatalf("expected mirrored status 502, got %d", status)
	}
	if env.Error.Code != "upstream_error" {
		t.Fatalf("expected code upstream_error, got %s", env.Error.Code)
	}
}
