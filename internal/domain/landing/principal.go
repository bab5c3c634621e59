package landing

type Principal struct {
	Subject string
	Email   string
	Scopes  []string
}

type Authorizer interface {
	Require(principal Principal, permission string) error
}
