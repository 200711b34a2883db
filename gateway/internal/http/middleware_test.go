package http

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"

	"github.com/go-logr/logr"
)

func TestClientIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}

	tests := map[string]struct {
		remoteAddr string
		forwarded  string
		proxies    []netip.Prefix
		want       string
	}{
		"no forwarding header": {
			remoteAddr: "192.168.1.9:41234",
			proxies:    proxies,
			want:       "192.168.1.9",
		},
		"forwarded from trusted proxy": {
			remoteAddr: "10.0.0.5:8080",
			forwarded:  "203.0.113.7",
			proxies:    proxies,
			want:       "203.0.113.7",
		},
		"forwarded chain keeps first hop": {
			remoteAddr: "10.0.0.5:8080",
			forwarded:  "203.0.113.7, 10.0.0.5",
			proxies:    proxies,
			want:       "203.0.113.7",
		},
		"forwarded from untrusted peer ignored": {
			remoteAddr: "192.168.1.9:41234",
			forwarded:  "203.0.113.7",
			proxies:    proxies,
			want:       "192.168.1.9",
		},
		"no trusted proxies configured": {
			remoteAddr: "10.0.0.5:8080",
			forwarded:  "203.0.113.7",
			want:       "10.0.0.5",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientIP(r, tc.proxies); got != tc.want {
				t.Errorf("clientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestConcurrencyLimitShedsOverCap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var enteredOnce sync.Once
	h := ConcurrencyLimit(1)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		enteredOnce.Do(func() { close(entered) })
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/v1/next", nil))
	}()
	<-entered

	// the slot is occupied, so the second request is shed immediately
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/v1/next", nil))
	if second.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", second.Code)
	}
	if second.Header().Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", second.Header().Get("Retry-After"))
	}

	close(release)
	<-done
	if first.Code != http.StatusOK {
		t.Errorf("first request status = %d, want 200", first.Code)
	}

	// the slot is free again
	third := httptest.NewRecorder()
	h.ServeHTTP(third, httptest.NewRequest(http.MethodGet, "/api/v1/next", nil))
	if third.Code != http.StatusOK {
		t.Errorf("status after release = %d, want 200", third.Code)
	}
}

func TestRecoveryConvertsPanics(t *testing.T) {
	h := Recovery(logr.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
