package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/inkroom/collab/internal/errs"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueVerify_Roundtrip(t *testing.T) {
	t.Parallel()
	v := NewTokenVerifier(testSecret)

	token, err := v.Issue("user-42", time.Minute)
	require.NoError(t, err)

	userID, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-42", userID)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	t.Parallel()
	issuer := NewTokenVerifier(testSecret)
	verifier := NewTokenVerifier([]byte("another-secret-another-secret-32"))

	token, err := issuer.Issue("user-42", time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Unauthenticated))
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	t.Parallel()
	v := NewTokenVerifier(testSecret)

	token, err := v.Issue("user-42", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Unauthenticated))
}

func TestVerify_RejectsEmptyAndGarbage(t *testing.T) {
	t.Parallel()
	v := NewTokenVerifier(testSecret)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		_, err := v.Verify(context.Background(), token)
		require.Error(t, err, "token %q", token)
		require.True(t, errs.Is(err, errs.Unauthenticated))
	}
}

// A token signed with "none" or an asymmetric algorithm must never pass,
// even if its payload is otherwise valid.
func TestVerify_RejectsNonHMACAlgorithms(t *testing.T) {
	t.Parallel()
	v := NewTokenVerifier(testSecret)

	claims := jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), unsigned)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Unauthenticated))
}

func TestVerify_RejectsMissingSubject(t *testing.T) {
	t.Parallel()
	v := NewTokenVerifier(testSecret)

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	require.Error(t, err)
}

func testIssueVerify_ArbitraryUserIDs(t *rapid.T) {
	v := NewTokenVerifier(testSecret)
	userID := rapid.StringMatching(`[a-zA-Z0-9@._\-]{1,64}`).Draw(t, "userID")

	token, err := v.Issue(userID, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != userID {
		t.Fatalf("subject mismatch: got %q want %q", got, userID)
	}
}

func TestIssueVerify_ArbitraryUserIDs(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testIssueVerify_ArbitraryUserIDs)
}
