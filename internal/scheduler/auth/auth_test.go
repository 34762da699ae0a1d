package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
)

var testConfig = Config{
	Secret:             "0123456789abcdef0123456789abcdef",
	TokenLifetime:      time.Hour,
	RegistrationSecret: "let-me-in",
	AdminToken:         "admin",
	CacheExpiry:        time.Minute,
}

func newIssuer(config Config) (*TokenIssuer, *clock.FakeClock) {
	fakeClock := clock.NewFakeClock(time.Now())
	return NewTokenIssuer(config, fakeClock), fakeClock
}

func assertUnauthenticated(t *testing.T, err error) {
	var unauthenticated *farmerrors.ErrUnauthenticated
	assert.ErrorAs(t, err, &unauthenticated)
}

func TestIssueAndVerify(t *testing.T) {
	issuer, _ := newIssuer(testConfig)
	token, tokenId, err := issuer.Issue("m1")
	require.NoError(t, err)
	assert.NotEmpty(t, tokenId)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "m1", claims.ManagerId())
	assert.Equal(t, tokenId, claims.TokenId())

	// Served from the cache the second time.
	cached, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Same(t, claims, cached)

	_, otherId, err := issuer.Issue("m1")
	require.NoError(t, err)
	assert.NotEqual(t, tokenId, otherId)
}

func TestVerify_Expired(t *testing.T) {
	issuer, fakeClock := newIssuer(testConfig)
	token, _, err := issuer.Issue("m1")
	require.NoError(t, err)
	_, err = issuer.Verify(token)
	require.NoError(t, err)

	fakeClock.Step(2 * time.Hour)
	_, err = issuer.Verify(token)
	assertUnauthenticated(t, err)
}

func TestVerify_NoLifetime(t *testing.T) {
	config := testConfig
	config.TokenLifetime = 0
	issuer, fakeClock := newIssuer(config)
	token, _, err := issuer.Issue("m1")
	require.NoError(t, err)

	fakeClock.Step(24 * 365 * time.Hour)
	_, err = issuer.Verify(token)
	assert.NoError(t, err)
}

func TestVerify_Rejects(t *testing.T) {
	issuer, _ := newIssuer(testConfig)
	otherConfig := testConfig
	otherConfig.Secret = "fedcba9876543210fedcba9876543210"
	other, _ := newIssuer(otherConfig)
	foreign, _, err := other.Issue("m1")
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not-a-token",
		"empty":        "",
		"wrong secret": foreign,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.Verify(token)
			assertUnauthenticated(t, err)
		})
	}
}

func TestCheckRegistrationSecret(t *testing.T) {
	issuer, _ := newIssuer(testConfig)
	assert.NoError(t, issuer.CheckRegistrationSecret("let-me-in"))
	assertUnauthenticated(t, issuer.CheckRegistrationSecret("wrong"))
	assertUnauthenticated(t, issuer.CheckRegistrationSecret(""))

	open, _ := newIssuer(Config{Secret: testConfig.Secret})
	assert.NoError(t, open.CheckRegistrationSecret(""))
}

func TestCheckAdminToken(t *testing.T) {
	issuer, _ := newIssuer(testConfig)
	assert.NoError(t, issuer.CheckAdminToken("Bearer admin"))
	assertUnauthenticated(t, issuer.CheckAdminToken("Bearer nope"))
	assertUnauthenticated(t, issuer.CheckAdminToken(""))

	open, _ := newIssuer(Config{Secret: testConfig.Secret})
	assert.NoError(t, open.CheckAdminToken(""))
}

func TestBearerToken(t *testing.T) {
	tests := map[string]struct {
		header   string
		expected string
		valid    bool
	}{
		"bearer":           {header: "Bearer abc", expected: "abc", valid: true},
		"lower case":       {header: "bearer abc", expected: "abc", valid: true},
		"extra whitespace": {header: "  Bearer   abc ", expected: "abc", valid: true},
		"basic":            {header: "Basic abc"},
		"missing token":    {header: "Bearer"},
		"empty":            {header: ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			token, err := BearerToken(tc.header)
			if !tc.valid {
				assertUnauthenticated(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, token)
		})
	}
}
