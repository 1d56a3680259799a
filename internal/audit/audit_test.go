package audit

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogNormalizesEntries(t *testing.T) {
	log := NewMemoryLog()
	require.NoError(t, log.Log(context.Background(), Entry{Action: ActionAlertAcknowledge, Metadata: []byte(`{"a":1}`)}))

	entries := log.Entries()
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].ID, "audit-"))
	assert.False(t, entries[0].CreatedAt.IsZero())
	assert.Len(t, entries[0].PayloadDigest, 64)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}

func TestRequestMetaRoundTrip(t *testing.T) {
	ctx := WithRequestMeta(context.Background(), RequestMeta{IP: "1.2.3.4", Role: "operator"})
	assert.Equal(t, "operator", RequestMetaFrom(ctx).Role)
	assert.Equal(t, RequestMeta{}, RequestMetaFrom(context.Background()))
}
