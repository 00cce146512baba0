package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	tokenAudience = "relaydoc"

	ScopeLedgerRead  = "ledger:read"
	ScopeLedgerWrite = "ledger:write"
	ScopeAdminRead   = "admin:read"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims is the bearer token payload. Writer is the address recorded as the
// author of every operation the token submits.
type Claims struct {
	Writer string   `json:"writer"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// MintToken signs an HS256 token for writer. A zero ttl mints a token that
// never expires.
func MintToken(secret, writer string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	writer = strings.TrimSpace(writer)
	if writer == "" {
		return "", errors.New("writer is required")
	}
	claims := Claims{
		Writer: writer,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  writer,
			Audience: jwt.ClaimStrings{tokenAudience},
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (Claims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return Claims{}, err
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return Claims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	// Expiry is checked below against the server clock rather than time.Now.
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	var claims Claims
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		message := "invalid jwt"
		var validationErr *jwt.ValidationError
		if errors.As(err, &validationErr) {
			switch {
			case validationErr.Errors&jwt.ValidationErrorMalformed != 0:
				message = "invalid jwt format"
			case validationErr.Errors&jwt.ValidationErrorSignatureInvalid != 0:
				message = "jwt signature mismatch"
			case validationErr.Errors&jwt.ValidationErrorUnverifiable != 0:
				message = "unsupported jwt algorithm"
			}
		}
		return Claims{}, &authError{status: 401, code: "unauthorized", message: message}
	}
	if claims.ExpiresAt != nil && !claims.VerifyExpiresAt(now, true) {
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if !claims.VerifyAudience(tokenAudience, true) {
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}
	claims.Writer = strings.TrimSpace(claims.Writer)
	if claims.Writer == "" {
		claims.Writer = strings.TrimSpace(claims.Subject)
	}
	if claims.Writer == "" {
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "missing writer claim"}
	}
	if len(claims.Scopes) == 0 {
		return Claims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}
