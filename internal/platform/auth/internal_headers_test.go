package auth

import (
	"context"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestInternalAuthSignatureRoundTrip(t *testing.T) {
	const secret = "internal-secret"
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)

	sig, err := ComputeInternalAuthSignature(secret, ts, "POST", "/playlists", "req-1", "user-1", "user@example.test", "editor")
	if err != nil {
		t.Fatalf("ComputeInternalAuthSignature: %v", err)
	}
	if err := VerifyInternalAuthSignature(secret, ts, "POST", "/playlists", "req-1", "user-1", "user@example.test", "editor", sig); err != nil {
		t.Fatalf("VerifyInternalAuthSignature: %v", err)
	}

	if err := VerifyInternalAuthSignature("other-secret", ts, "POST", "/playlists", "req-1", "user-1", "user@example.test", "editor", sig); err == nil {
		t.Fatalf("expected error for wrong secret")
	}
	if err := VerifyInternalAuthSignature(secret, ts, "POST", "/playlists/pl-x/segue", "req-1", "user-1", "user@example.test", "editor", sig); err == nil {
		t.Fatalf("expected error for different path")
	}
	if err := VerifyInternalAuthSignature(secret, ts, "POST", "/playlists", "req-1", "someone-else", "user@example.test", "editor", sig); err == nil {
		t.Fatalf("expected error for different subject")
	}
}

func TestVerifyInternalAuthTimestampSkew(t *testing.T) {
	now := time.Now().UTC()
	fresh := strconv.FormatInt(now.Unix(), 10)
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)

	if err := VerifyInternalAuthTimestamp(fresh, now, 5*time.Minute); err != nil {
		t.Fatalf("fresh timestamp rejected: %v", err)
	}
	if err := VerifyInternalAuthTimestamp(stale, now, 5*time.Minute); err == nil {
		t.Fatalf("stale timestamp accepted")
	}
	if err := VerifyInternalAuthTimestamp("not-a-number", now, 5*time.Minute); err == nil {
		t.Fatalf("garbage timestamp accepted")
	}
}

func TestGatewayHeadersAuthenticator(t *testing.T) {
	const secret = "internal-secret"
	authenticator, err := NewGatewayHeadersAuthenticator(secret)
	if err != nil {
		t.Fatalf("NewGatewayHeadersAuthenticator: %v", err)
	}

	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	sig, err := ComputeInternalAuthSignature(secret, ts, "GET", "/playlists", "req-7", "user-2", "", "viewer,editor")
	if err != nil {
		t.Fatalf("ComputeInternalAuthSignature: %v", err)
	}

	req := httptest.NewRequest("GET", "http://conductor.internal/playlists", nil)
	req.Header.Set(HeaderSubject, "user-2")
	req.Header.Set(HeaderRoles, "viewer,editor")
	req.Header.Set(HeaderInternalAuthTimestamp, ts)
	req.Header.Set(HeaderInternalAuthSignature, sig)
	req.Header.Set("X-Request-Id", "req-7")

	identity, err := authenticator.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "user-2" {
		t.Fatalf("subject=%q", identity.Subject)
	}
	if len(identity.Roles) != 2 || identity.Roles[0] != "viewer" || identity.Roles[1] != "editor" {
		t.Fatalf("roles=%v", identity.Roles)
	}

	req.Header.Set(HeaderSubject, "forged-subject")
	if _, err := authenticator.Authenticate(context.Background(), req); err == nil {
		t.Fatalf("forged subject accepted")
	}

	req.Header.Set(HeaderSubject, "user-2")
	req.Header.Del(HeaderInternalAuthSignature)
	if _, err := authenticator.Authenticate(context.Background(), req); err == nil {
		t.Fatalf("missing signature accepted")
	}
}
