package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/austindbirch/eventhook/internal/config"
	"github.com/austindbirch/eventhook/internal/signature"
)

func post(t *testing.T, h http.Handler, body, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	if sig != "" {
		req.Header.Set(signature.Header, sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHookFailsFirstN(t *testing.T) {
	h := newReceiver(config.FakeReceiver{FailFirstN: 2}).routes()

	var codes []int
	for i := 0; i < 4; i++ {
		codes = append(codes, post(t, h, `{"event":"t"}`, "").Code)
	}
	assert.Equal(t, []int{500, 500, 200, 200}, codes)
}

func TestHandleHookVerifiesSignature(t *testing.T) {
	const secret = "whsec_test"
	body := `{"event":"content.published","occurredAt":"2025-05-01T12:00:00Z","data":null}`
	h := newReceiver(config.FakeReceiver{EndpointSecret: secret}).routes()

	tests := []struct {
		name string
		sig  string
		want int
	}{
		{"valid", signature.Sign(secret, []byte(body)), http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", signature.Sign("other", []byte(body)), http.StatusUnauthorized},
		{"no prefix", strings.TrimPrefix(signature.Sign(secret, []byte(body)), "sha256="), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, post(t, h, body, tt.sig).Code)
		})
	}
}

func TestHandleHookRejectsGet(t *testing.T) {
	h := newReceiver(config.FakeReceiver{}).routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
