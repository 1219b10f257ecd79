package auth

import (
	"context"
	"slices"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv("CONTENTFLOW_TOKEN_SECRET", "unit-test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("ursula", []string{"Author", "Author", "Reviewer"}, false, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "ursula" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Admin {
		t.Fatal("admin flag leaked into a non-admin token")
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", claims.Roles)
	}
	if !slices.Contains(claims.Roles, "Author") || !slices.Contains(claims.Roles, "Reviewer") {
		t.Fatalf("role case must be preserved: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatal("expected a token id")
	}
}

func TestGenerateAdminToken(t *testing.T) {
	t.Setenv("CONTENTFLOW_TOKEN_SECRET", "unit-test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("ed", []string{"Editor"}, true, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if !claims.Admin {
		t.Fatal("expected the admin claim")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Setenv("CONTENTFLOW_TOKEN_SECRET", "unit-test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := ParseAndValidate(token); err == nil {
			t.Fatalf("expected rejection for %q", token)
		}
	}
}

func TestGenerateWithoutSecret(t *testing.T) {
	t.Setenv("CONTENTFLOW_TOKEN_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("ursula", []string{"Author"}, false, time.Minute); err == nil {
		t.Fatal("expected an error without a configured secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "ed", []string{"Editor", "Editor", "Reviewer"}, true)

	user, ok := UserFromContext(ctx)
	if !ok || user != "ed" {
		t.Fatalf("unexpected user: %s, ok=%v", user, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !IsAdmin(ctx) {
		t.Fatal("expected admin")
	}
	if IsAdmin(context.Background()) {
		t.Fatal("empty context must not be admin")
	}
}
