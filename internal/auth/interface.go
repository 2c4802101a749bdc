package auth

import "github.com/jasl/tavern-kit-sub011/internal/domain/models"

// JWTVerifier validates bearer tokens. An interface so handlers and tests
// stay agnostic to where the keys come from.
type JWTVerifier interface {
	// VerifyToken validates a JWT token string and returns the parsed claims.
	VerifyToken(tokenString string) (*models.AccessClaims, error)

	// Close releases any resources held by the verifier.
	Close() error
}
