package httpclient

import (
	"net/http"
	"testing"
)

func TestCacheKey_DiffersByHeaders(t *testing.T) {
	a := cacheKey(Options{BaseURL: "https://api.example.com", Headers: http.Header{"Authorization": []string{"Bearer key-a"}}})
	b := cacheKey(Options{BaseURL: "https://api.example.com", Headers: http.Header{"Authorization": []string{"Bearer key-b"}}})

	if a == b {
		t.Errorf("cacheKey() collided for distinct Authorization headers: %q == %q", a, b)
	}
}

func TestCacheKey_SameOptionsSameKey(t *testing.T) {
	opts := Options{
		BaseURL: "https://api.example.com",
		Proxy:   "http://proxy:8080",
		Headers: http.Header{"X-Api-Key": []string{"secret"}, "Content-Type": []string{"application/json"}},
	}

	if cacheKey(opts) != cacheKey(opts) {
		t.Errorf("cacheKey() not stable for identical Options")
	}
}

func TestCacheKey_DiffersByBaseURLAndProxyAndTLS(t *testing.T) {
	base := cacheKey(Options{BaseURL: "https://a.example.com"})
	if base == cacheKey(Options{BaseURL: "https://b.example.com"}) {
		t.Errorf("cacheKey() collided for distinct BaseURL")
	}
	if base == cacheKey(Options{BaseURL: "https://a.example.com", Proxy: "http://proxy:8080"}) {
		t.Errorf("cacheKey() collided for distinct Proxy")
	}
	if base == cacheKey(Options{BaseURL: "https://a.example.com", InsecureSkipVerify: true}) {
		t.Errorf("cacheKey() collided for distinct InsecureSkipVerify")
	}
}

func TestHeaderFingerprint_OrderIndependent(t *testing.T) {
	h1 := http.Header{"A": []string{"1"}, "B": []string{"2"}}
	h2 := http.Header{"B": []string{"2"}, "A": []string{"1"}}

	if headerFingerprint(h1) != headerFingerprint(h2) {
		t.Errorf("headerFingerprint() not stable across map iteration order")
	}
}

func TestHeaderFingerprint_Empty(t *testing.T) {
	if got := headerFingerprint(nil); got != "" {
		t.Errorf("headerFingerprint(nil) = %q, want empty", got)
	}
	if got := headerFingerprint(http.Header{}); got != "" {
		t.Errorf("headerFingerprint(empty) = %q, want empty", got)
	}
}

func TestPool_GetCachesByKey(t *testing.T) {
	p := NewPool()

	c1, err := p.Get(Options{BaseURL: "https://api.example.com", Headers: http.Header{"Authorization": []string{"Bearer a"}}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	c2, err := p.Get(Options{BaseURL: "https://api.example.com", Headers: http.Header{"Authorization": []string{"Bearer a"}}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c1 != c2 {
		t.Errorf("Get() returned distinct clients for identical Options, want the same cached instance")
	}

	c3, err := p.Get(Options{BaseURL: "https://api.example.com", Headers: http.Header{"Authorization": []string{"Bearer b"}}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c1 == c3 {
		t.Errorf("Get() returned the same client for different Authorization headers, want distinct instances")
	}
}
