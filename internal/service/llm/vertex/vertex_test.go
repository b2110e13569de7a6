package vertex

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testServiceAccountKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	return key
}

func testServiceAccountPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()

	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func TestServiceAccountJWTSource_Token(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		if got := r.FormValue("grant_type"); got != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
			t.Errorf("grant_type = %q", got)
		}
		if r.FormValue("assertion") == "" {
			t.Error("assertion form value is empty")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	key := testServiceAccountKey(t)

	src := &serviceAccountJWTSource{
		email:    "svc@project.iam.gserviceaccount.com",
		key:      key,
		client:   srv.Client(),
		tokenURL: srv.URL,
	}

	tok, err := src.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "test-token" {
		t.Errorf("AccessToken = %q, want test-token", tok.AccessToken)
	}
	if tok.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", tok.TokenType)
	}
	if tok.Expiry.IsZero() {
		t.Error("Expiry is zero, want a future time derived from expires_in")
	}
}

func TestServiceAccountJWTSource_Token_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	src := &serviceAccountJWTSource{
		email:    "svc@project.iam.gserviceaccount.com",
		key:      testServiceAccountKey(t),
		client:   srv.Client(),
		tokenURL: srv.URL,
	}

	if _, err := src.Token(); err == nil {
		t.Error("Token() error = nil, want error for non-200 response")
	}
}

func TestNewVertexTokenSource_MissingCredentialFallsBackToADC(t *testing.T) {
	// With only one of the two fields set, the pair is treated as absent and
	// we fall through to ADC, which fails fast in a test environment with no
	// GOOGLE_APPLICATION_CREDENTIALS set (no network call attempted).
	if _, err := newVertexTokenSource("svc@project.iam.gserviceaccount.com", ""); err == nil {
		t.Error("newVertexTokenSource() error = nil, want error (ADC unavailable in test env)")
	}
}

func TestNewVertexTokenSource_SignsWithProvidedKey(t *testing.T) {
	key := testServiceAccountKey(t)
	pemKey := testServiceAccountPEM(t, key)

	ts, err := newVertexTokenSource("svc@project.iam.gserviceaccount.com", pemKey)
	if err != nil {
		t.Fatalf("newVertexTokenSource() error = %v", err)
	}
	if ts == nil {
		t.Fatal("newVertexTokenSource() returned nil token source")
	}
}

func TestNew_RequiresEndpointURL(t *testing.T) {
	if _, err := New("gemini-pro", "", "", false, "", ""); err == nil {
		t.Error("New() error = nil, want error when endpointURL is empty")
	}
}
