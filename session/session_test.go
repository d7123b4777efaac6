package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "A123456",
		"exp": exp.Unix(),
	})
	raw, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

func TestTOTPCode(t *testing.T) {
	at := time.Unix(1724485800, 0)

	code, err := TOTPCode(testSecret, at)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	want, err := totp.GenerateCode(testSecret, at)
	require.NoError(t, err)
	assert.Equal(t, want, code)

	// Lowercase seeds are normalised before use.
	lower, err := TOTPCode("jbswy3dpehpk3pxp", at)
	require.NoError(t, err)
	assert.Equal(t, want, lower)
}

func TestTOTPCodeFromURI(t *testing.T) {
	at := time.Unix(1724485800, 0)
	uri := "otpauth://totp/broker:A123456?secret=" + testSecret + "&issuer=broker"

	code, err := TOTPCode(uri, at)
	require.NoError(t, err)

	want, _ := totp.GenerateCode(testSecret, at)
	assert.Equal(t, want, code)

	_, err = TOTPCode("otpauth://totp/broker:A123456?issuer=broker", at)
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	now := time.Now()

	assert.False(t, Expired(signedToken(t, now.Add(time.Hour)), time.Minute, now))
	assert.True(t, Expired(signedToken(t, now.Add(-time.Hour)), time.Minute, now))

	// Within the margin counts as expired.
	assert.True(t, Expired(signedToken(t, now.Add(30*time.Second)), time.Minute, now))

	// Garbage tokens are expired by definition.
	assert.True(t, Expired("not-a-jwt", time.Minute, now))
}

func TestLoginProvider(t *testing.T) {
	at := time.Unix(1724485800, 0)
	want, err := totp.GenerateCode(testSecret, at)
	require.NoError(t, err)

	p := NewLoginProvider(testSecret, func(_ context.Context, code string) (Credentials, error) {
		assert.Equal(t, want, code)
		return Credentials{JWT: "fresh-jwt", ClientCode: "A123456"}, nil
	})
	p.now = func() time.Time { return at }

	creds, err := p.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-jwt", creds.JWT)
}

func TestLoginProviderBadSeed(t *testing.T) {
	p := NewLoginProvider("not base32!", func(context.Context, string) (Credentials, error) {
		t.Fatal("login must not run without a code")
		return Credentials{}, nil
	})

	_, err := p.Session(context.Background())
	assert.Error(t, err)
}

type countingProvider struct {
	calls int
	creds Credentials
}

func (p *countingProvider) Session(context.Context) (Credentials, error) {
	p.calls++
	return p.creds, nil
}

func TestCachingProvider(t *testing.T) {
	inner := &countingProvider{creds: Credentials{
		JWT:        signedToken(t, time.Now().Add(time.Hour)),
		ClientCode: "A123456",
	}}
	p := NewCachingProvider(inner, time.Minute)

	first, err := p.Session(context.Background())
	require.NoError(t, err)
	second, err := p.Session(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls, "valid session is reused")
}

func TestCachingProviderRefreshesExpired(t *testing.T) {
	inner := &countingProvider{creds: Credentials{
		JWT: signedToken(t, time.Now().Add(-time.Hour)),
	}}
	p := NewCachingProvider(inner, time.Minute)

	_, err := p.Session(context.Background())
	require.NoError(t, err)
	_, err = p.Session(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls, "expired session forces a refresh")
}
