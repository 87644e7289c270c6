package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractRealClientAddr(t *testing.T) {
	tests := []struct {
		name        string
		remoteAddr  string
		xff         string
		trustedHops int
		want        string
	}{
		{
			name:       "direct public client",
			remoteAddr: "203.0.113.10:51234",
			want:       "203.0.113.10",
		},
		{
			name:       "public client with spoofed xff ignored",
			remoteAddr: "203.0.113.10:51234",
			xff:        "10.0.0.1",
			want:       "203.0.113.10",
		},
		{
			name:        "private remote no trusted hops ignores xff",
			remoteAddr:  "10.0.0.5:443",
			xff:         "203.0.113.10",
			trustedHops: 0,
			want:        "10.0.0.5",
		},
		{
			name:        "single lb picks rightmost entry",
			remoteAddr:  "10.0.0.5:443",
			xff:         "203.0.113.10",
			trustedHops: 1,
			want:        "203.0.113.10",
		},
		{
			name:        "cdn plus lb picks second from end",
			remoteAddr:  "10.0.0.5:443",
			xff:         "198.51.100.7, 203.0.113.10",
			trustedHops: 2,
			want:        "198.51.100.7",
		},
		{
			name:        "client prepended garbage still resolves real entry",
			remoteAddr:  "10.0.0.5:443",
			xff:         "spoofed, 198.51.100.7",
			trustedHops: 1,
			want:        "198.51.100.7",
		},
		{
			name:        "fewer xff entries than hops fails closed",
			remoteAddr:  "10.0.0.5:443",
			xff:         "203.0.113.10",
			trustedHops: 3,
			want:        "10.0.0.5",
		},
		{
			name:        "non-ip candidate falls back to remote",
			remoteAddr:  "10.0.0.5:443",
			xff:         "not-an-ip",
			trustedHops: 1,
			want:        "10.0.0.5",
		},
		{
			name:       "empty remote addr",
			remoteAddr: "",
			want:       "0.0.0.0",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.10",
			want:       "203.0.113.10",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}

			got := extractRealClientAddr(r, tc.trustedHops)
			if got != tc.want {
				t.Fatalf("extractRealClientAddr() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClientIP_StripsForwardedHeadersFromUntrusted(t *testing.T) {
	var sawXFF string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawXFF = r.Header.Get("X-Forwarded-For")
	})

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "203.0.113.10:1234"
	r.Header.Set("X-Forwarded-For", "10.0.0.1")

	ClientIP(handler).ServeHTTP(httptest.NewRecorder(), r)

	if sawXFF != "" {
		t.Fatalf("X-Forwarded-For survived untrusted hop: %q", sawXFF)
	}
}

func TestClientIP_StoresInContext(t *testing.T) {
	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "203.0.113.10:1234"

	ClientIPWithOptions(ClientIPOptions{})(handler).ServeHTTP(httptest.NewRecorder(), r)

	if got != "203.0.113.10" {
		t.Fatalf("ClientIPFromContext() = %q, want 203.0.113.10", got)
	}
}

func TestClientIPFromContext_Empty(t *testing.T) {
	if ip := ClientIPFromContext(context.Background()); ip != "" {
		t.Fatalf("expected empty, got %q", ip)
	}
}
