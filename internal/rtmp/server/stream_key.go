package server

import (
	"github.com/golang-jwt/jwt/v5"
)

// ValidateStreamKey reports whether streamName is an acceptable publish key
// for the configured server. An empty ExpectedStreamKey accepts anything.
// Otherwise it accepts either a literal case-sensitive match or, when
// StreamKeyJWTSecret is configured, a signed JWT whose subject claim equals
// ExpectedStreamKey.
func ValidateStreamKey(cfg *Config, streamName string) bool {
	if cfg == nil || cfg.ExpectedStreamKey == "" {
		return true
	}
	if streamName == cfg.ExpectedStreamKey {
		return true
	}
	if cfg.StreamKeyJWTSecret == "" {
		return false
	}
	return validateStreamKeyJWT(cfg, streamName)
}

func validateStreamKeyJWT(cfg *Config, token string) bool {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(cfg.StreamKeyJWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	return claims.Subject == cfg.ExpectedStreamKey
}
