package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studentvc/pkg/requestcontext"
)

func TestResolverClientIP(t *testing.T) {
	res, err := NewResolver("10.0.0.0/8", "192.0.2.250")
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"untrusted peer ignores headers", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "198.51.100.1:1234", "198.51.100.1"},
		{"trusted peer", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "10.0.0.2:1234", "203.0.113.5"},
		{"proxy chain", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.1.1.1, 10.0.0.3"}, "10.0.0.2:1234", "203.0.113.5"},
		{"spoofed leftmost", map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.5"}, "10.0.0.2:1234", "203.0.113.5"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.9.9.9, 10.0.0.3"}, "10.0.0.2:1234", "10.9.9.9"},
		{"single trusted host", map[string]string{"X-Real-IP": " 198.51.100.7 "}, "192.0.2.250:80", "198.51.100.7"},
		{"trusted peer without headers", nil, "10.0.0.2:1234", "10.0.0.2"},
		{"ipv6 remote", nil, "[::1]:5555", "::1"},
		{"no port", nil, "192.0.2.9", "192.0.2.9"},
		{"empty", nil, "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, res.ClientIP(r))
		})
	}
}

func TestNewResolverRejectsGarbage(t *testing.T) {
	_, err := NewResolver("10.0.0.0/33")
	assert.Error(t, err)
	_, err = NewResolver("proxy.internal")
	assert.Error(t, err)
}

func TestClientMetadataMiddleware(t *testing.T) {
	var ip, ua string
	h := ClientMetadata(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ip = requestcontext.ClientIP(r.Context())
		ua = requestcontext.UserAgent(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:4000"
	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	r.Header.Set("User-Agent", "vcctl/1.0")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "192.0.2.1", ip)
	assert.Equal(t, "vcctl/1.0", ua)
}
