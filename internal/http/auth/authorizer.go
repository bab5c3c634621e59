package auth

import (
	"fmt"

	"github.com/sylvestre/lando-api/internal/domain/landing"
)

const AdminScope = "admin:*"

type Authorizer struct{}

func NewAuthorizer() *Authorizer {
	return &Authorizer{}
}

func (a *Authorizer) Require(principal landing.Principal, permission string) error {
	if principal.Subject == "" {
		return landing.ErrUnauthorized
	}
	if permission == "" {
		return nil
	}
	for _, scope := range principal.Scopes {
		if scope == permission || scope == AdminScope {
			return nil
		}
	}
	return fmt.Errorf("%w: missing scope %s", landing.ErrForbidden, permission)
}
