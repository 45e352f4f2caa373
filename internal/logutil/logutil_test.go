package logutil

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsSensitiveLogField(t *testing.T) {
	t.Parallel()
	sensitive := []string{"Authorization", "token", "access_token", "X-Api-Token", "client-secret", "password", "Cookie", "auth"}
	for _, k := range sensitive {
		require.True(t, IsSensitiveLogField(k), "expected %q to be sensitive", k)
	}
	benign := []string{"Content-Type", "doc", "User-Agent", "Upgrade"}
	for _, k := range benign {
		require.False(t, IsSensitiveLogField(k), "expected %q to be benign", k)
	}
}

func TestFormatHeadersForLog_RedactsAndSorts(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("Authorization", "Bearer secret123")
	h.Set("Upgrade", "websocket")

	got := FormatHeadersForLog(h)
	require.NotContains(t, got, "secret123")
	require.Contains(t, got, "[REDACTED]")
	require.Contains(t, got, "websocket")
	require.Less(t, strings.Index(got, "authorization"), strings.Index(got, "upgrade"))
}

func TestRedactURLForLog(t *testing.T) {
	t.Parallel()
	u, err := url.Parse("ws://localhost:8080/ws?token=eyJhbGci&doc=N1")
	require.NoError(t, err)

	got := RedactURLForLog(u)
	require.NotContains(t, got, "eyJhbGci")
	require.Contains(t, got, "doc=N1")
	// Original URL untouched.
	require.Contains(t, u.String(), "eyJhbGci")
}
