package registry

import (
	"encoding/base64"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	orasauth "oras.land/oras-go/v2/registry/remote/auth"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
)

const (
	basicScheme  = "basic"
	bearerScheme = "bearer"
)

// ParseToken turns an Authorization style token into an authenticator.
//
//	"Basic <base64 user:password>"  -> username and password
//	"Bearer <token>"                -> registry token
//	"<token>"                       -> registry token
//
// An empty token is rejected here, before any network call. A token the
// registry does not accept only surfaces once the registry is contacted.
func ParseToken(token string) (authn.Authenticator, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.NewAuthError("parse_token", "registry token cannot be empty", nil)
	}

	scheme, value, found := strings.Cut(token, " ")
	if !found {
		switch strings.ToLower(token) {
		case basicScheme, bearerScheme:
			return nil, errors.NewAuthError("parse_token", token+" token has no value", nil)
		}
		return &authn.Bearer{Token: token}, nil
	}
	value = strings.TrimSpace(value)

	switch strings.ToLower(scheme) {
	case basicScheme:
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, errors.NewAuthError("parse_token", "basic token is not valid base64", err)
		}
		username, password, ok := strings.Cut(string(decoded), ":")
		if !ok || username == "" {
			return nil, errors.NewAuthError("parse_token", "basic token must encode username:password", nil)
		}
		return &authn.Basic{Username: username, Password: password}, nil

	case bearerScheme:
		if value == "" {
			return nil, errors.NewAuthError("parse_token", "bearer token cannot be empty", nil)
		}
		return &authn.Bearer{Token: value}, nil

	default:
		return nil, errors.NewAuthError("parse_token", "unsupported token scheme "+scheme, nil)
	}
}

// orasCredential translates an authenticator for the push path.
func orasCredential(auth authn.Authenticator) (orasauth.Credential, error) {
	if auth == nil || auth == authn.Anonymous {
		return orasauth.EmptyCredential, nil
	}

	cfg, err := auth.Authorization()
	if err != nil {
		return orasauth.EmptyCredential, errors.NewAuthError("resolve_credential", "failed to resolve registry credential", err)
	}

	return orasauth.Credential{
		Username:    cfg.Username,
		Password:    cfg.Password,
		AccessToken: cfg.RegistryToken,
	}, nil
}
