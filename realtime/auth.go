package realtime

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity behind a realtime session.
type Principal struct {
	UserId Id
	Email  string
}

// VerifyToken returns the principal for a credential, or nil when the
// credential does not verify. An empty result is an authentication
// failure, not an error.
type TokenVerifier interface {
	VerifyToken(token string) *Principal
}

// JwtVerifier validates HS256 tokens against a shared secret.
type JwtVerifier struct {
	secret []byte
}

func NewJwtVerifier(secret []byte) *JwtVerifier {
	return &JwtVerifier{
		secret: secret,
	}
}

func (self *JwtVerifier) VerifyToken(token string) *Principal {
	parsed, err := gojwt.Parse(
		token,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !parsed.Valid {
		return nil
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil
	}

	principal := &Principal{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			principal.UserId = userId
		}
	}
	if email, ok := claims["email"].(string); ok {
		principal.Email = email
	}

	return principal
}
