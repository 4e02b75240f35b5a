package registry

import (
	"encoding/base64"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

func basicToken(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

func TestParseToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected authn.Authenticator
	}{
		{
			name:     "basic",
			token:    basicToken("acr", "s3cret"),
			expected: &authn.Basic{Username: "acr", Password: "s3cret"},
		},
		{
			name:     "basic with colon in password",
			token:    basicToken("acr", "a:b"),
			expected: &authn.Basic{Username: "acr", Password: "a:b"},
		},
		{
			name:     "bearer",
			token:    "Bearer abc.def",
			expected: &authn.Bearer{Token: "abc.def"},
		},
		{
			name:     "lowercase scheme",
			token:    "bearer abc",
			expected: &authn.Bearer{Token: "abc"},
		},
		{
			name:     "bare token",
			token:    "abc",
			expected: &authn.Bearer{Token: "abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := ParseToken(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, auth)
		})
	}
}

func TestParseTokenInvalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"basic not base64", "Basic ???"},
		{"basic without colon", "Basic " + base64.StdEncoding.EncodeToString([]byte("user"))},
		{"empty bearer", "Bearer  "},
		{"unknown scheme", "Digest abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrorCategoryRegistryAuthentication), "got %v", err)
		})
	}
}

func TestOrasCredential(t *testing.T) {
	cred, err := orasCredential(&authn.Basic{Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "u", cred.Username)
	assert.Equal(t, "p", cred.Password)

	cred, err = orasCredential(&authn.Bearer{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "t", cred.AccessToken)

	cred, err = orasCredential(authn.Anonymous)
	require.NoError(t, err)
	assert.Empty(t, cred.Username)
}
