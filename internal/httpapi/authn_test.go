package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"contentflow.org/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", false},
		{"bearer abc", "abc", false},
		{"  Bearer   abc  ", "abc", false},
		{"", "", true},
		{"Basic dXNlcg==", "", true},
		{"Bearer ", "", true},
	}
	for _, c := range cases {
		got, err := extractBearerToken(c.header)
		if c.wantErr {
			if err == nil {
				t.Fatalf("header %q: expected error", c.header)
			}
			continue
		}
		if err != nil {
			t.Fatalf("header %q: %v", c.header, err)
		}
		if got != c.want {
			t.Fatalf("header %q: got %q want %q", c.header, got, c.want)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/v1/auth/token", "/healthz", "/readyz", "/metrics", "/"} {
		if !isPublicPath(p) {
			t.Fatalf("expected %s public", p)
		}
	}
	for _, p := range []string{"/v1/content/1/actions", "/v1/aging/run", "/v1/events"} {
		if isPublicPath(p) {
			t.Fatalf("expected %s protected", p)
		}
	}
}

func TestWithAuthPopulatesIdentity(t *testing.T) {
	t.Setenv("CONTENTFLOW_TOKEN_SECRET", "test-secret")
	auth.ResetSecretForTests()

	token, err := auth.GenerateToken("ursula", []string{"Author"}, false, tokenTTL)
	if err != nil {
		t.Fatal(err)
	}

	a := &API{authRequired: true}
	var gotUser string
	var gotRoles []string
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.UserFromContext(r.Context())
		gotRoles = auth.RolesFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/content/1/actions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotUser != "ursula" {
		t.Fatalf("unexpected user %q", gotUser)
	}
	if len(gotRoles) != 1 || gotRoles[0] != "Author" {
		t.Fatalf("unexpected roles %v", gotRoles)
	}
}

func TestWithAuthRejectsBadToken(t *testing.T) {
	t.Setenv("CONTENTFLOW_TOKEN_SECRET", "test-secret")
	auth.ResetSecretForTests()

	a := &API{authRequired: true}
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/content/1/actions", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
