package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claimsFor(sub string, exp time.Time) *Claims {
	return &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Audience:  jwt.ClaimStrings{"authenticated"},
	}}
}

func TestVerify(t *testing.T) {
	v := NewVerifier(testSecret, "authenticated")
	future := time.Now().Add(time.Hour)

	legacy := &Claims{UserID: "legacy-user", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(future),
		Audience:  jwt.ClaimStrings{"authenticated"},
	}}
	noExp := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Audience: jwt.ClaimStrings{"authenticated"}}}
	otherAud := claimsFor("u1", future)
	otherAud.Audience = jwt.ClaimStrings{"someone-else"}

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr error
	}{
		{name: "valid", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("u1", future)), want: "u1"},
		{name: "user-id-claim", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), legacy), want: "legacy-user"},
		{name: "wrong-secret", token: sign(t, jwt.SigningMethodHS256, []byte("other"), claimsFor("u1", future)), wantErr: ErrInvalidToken},
		{name: "expired", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("u1", time.Now().Add(-time.Hour))), wantErr: ErrInvalidToken},
		{name: "no-expiry", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), noExp), wantErr: ErrInvalidToken},
		{name: "wrong-audience", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), otherAud), wantErr: ErrInvalidToken},
		{name: "alg-none", token: sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, claimsFor("u1", future)), wantErr: ErrInvalidToken},
		{name: "hs512", token: sign(t, jwt.SigningMethodHS512, []byte(testSecret), claimsFor("u1", future)), wantErr: ErrInvalidToken},
		{name: "no-subject", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("", future)), wantErr: ErrMissingSubject},
		{name: "garbage", token: "not.a.token", wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Verify(tc.token)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("user = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestVerifyWithoutAudience(t *testing.T) {
	v := NewVerifier(testSecret, "")
	claims := claimsFor("u1", time.Now().Add(time.Hour))
	claims.Audience = nil
	if _, err := v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), claims)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
		{"Bearer a b", "", false},
	}
	for _, tc := range tests {
		got, ok := BearerToken(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Errorf("BearerToken(%q) = %q, %v", tc.header, got, ok)
		}
	}
}
