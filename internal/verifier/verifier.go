// Package verifier checks identity tokens returned by the token endpoint: the
// signature against the provider's published keys, the issuer against the
// discovery document, the audience against the client id and the nonce against
// the one sent with the authorization request.
package verifier

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrVerification = errors.New("identity token verification failed")

var supportedMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

type KeyResolver interface {
	GetKey(ctx context.Context, keyID, alg string) (any, error)
}

type IssuerSource interface {
	Issuer(ctx context.Context) (string, error)
}

type IDToken struct {
	Subject string
	Issuer  string
	Nonce   string
	Claims  map[string]any
}

type Verifier struct {
	keys     KeyResolver
	issuer   IssuerSource
	clientID string
}

// New returns a Verifier accepting only tokens issued to clientID.
func New(keys KeyResolver, issuer IssuerSource, clientID string) *Verifier {
	return &Verifier{keys: keys, issuer: issuer, clientID: clientID}
}

// Verify returns the token's claims when rawIDToken is validly signed by the
// provider for this client and carries expectedNonce. Every
// failure, including a panic while parsing, is returned wrapped in
// ErrVerification.
func (v *Verifier) Verify(ctx context.Context, rawIDToken, expectedNonce string) (token *IDToken, err error) {
	defer func() {
		if r := recover(); r != nil {
			token = nil
			err = fmt.Errorf("%w: %v", ErrVerification, r)
		}
	}()

	if expectedNonce == "" {
		return nil, fmt.Errorf("%w: no nonce stored for this login", ErrVerification)
	}

	issuer, err := v.issuer.Issuer(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(supportedMethods),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(v.clientID),
	)

	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(rawIDToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.GetKey(ctx, kid, t.Method.Alg())
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}

	nonce, _ := claims["nonce"].(string)
	if subtle.ConstantTimeCompare([]byte(nonce), []byte(expectedNonce)) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrVerification)
	}

	subject, _ := claims.GetSubject()
	return &IDToken{
		Subject: subject,
		Issuer:  issuer,
		Nonce:   nonce,
		Claims:  claims,
	}, nil
}
