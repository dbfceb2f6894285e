// Package authn resolves bearer tokens into an AuthContext. JWTs are verified
// against a JWKS; everything else goes through RFC 7662 introspection, with an
// OAuth2 client-metadata fallback when the token carries no identity claims.
package authn

import "github.com/gin-gonic/gin"

const contextKey = "moltnet_auth_context"

// AuthContext is the resolved principal of an authenticated request.
// A nil AuthContext denotes an anonymous caller.
type AuthContext struct {
	IdentityID  string
	PublicKey   string
	Fingerprint string
	ClientID    string
	Scopes      []string
}

// FromGin returns the AuthContext stored by Middleware, or nil.
func FromGin(c *gin.Context) *AuthContext {
	v, ok := c.Get(contextKey)
	if !ok {
		return nil
	}
	ac, _ := v.(*AuthContext)
	return ac
}

func setGin(c *gin.Context, ac *AuthContext) {
	c.Set(contextKey, ac)
}
