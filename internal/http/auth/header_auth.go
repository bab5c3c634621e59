package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sylvestre/lando-api/internal/domain/landing"
)

// HeaderAuthenticator trusts identity headers set by the fronting
// gateway, which terminates the real OIDC flow.
type HeaderAuthenticator struct{}

func NewHeaderAuthenticator() *HeaderAuthenticator {
	return &HeaderAuthenticator{}
}

func (h *HeaderAuthenticator) Authenticate(c *gin.Context) (landing.Principal, error) {
	principal := landing.Principal{
		Subject: strings.TrimSpace(c.GetHeader("X-Principal-Subject")),
		Email:   strings.TrimSpace(c.GetHeader("X-Principal-Email")),
	}
	if scopes := strings.TrimSpace(c.GetHeader("X-Principal-Scopes")); scopes != "" {
		principal.Scopes = splitCSV(scopes)
	}
	return principal, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
