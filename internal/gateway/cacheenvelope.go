package gateway

import "encoding/json"

// cacheEnvelope wraps a response's status and content-type alongside its
// body, since store.CacheStore and internal/cache.Cache operate on raw
// bytes with no response-metadata fields of their own — keeping that
// package content-agnostic and pushing the one bit of domain knowledge it
// needs (how to replay an HTTP response) up into the pipeline.
type cacheEnvelope struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

func encodeCacheEnvelope(statusCode int, contentType string, body []byte) ([]byte, error) {
	return json.Marshal(cacheEnvelope{StatusCode: statusCode, ContentType: contentType, Body: body})
}

func decodeCacheEnvelope(raw []byte) (*cacheEnvelope, error) {
	var e cacheEnvelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
