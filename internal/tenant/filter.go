package tenant

import "github.com/todo-1m/replicasync/internal/contracts"

// Principal reports the id of the authenticated principal, if any.
type Principal interface {
	PrincipalID() (string, bool)
}

// Filter accepts only records owned by the current principal. The change
// feed is shared by every tenant, so each inbound record passes through it.
type Filter struct {
	Principal Principal
}

func NewFilter(p Principal) Filter {
	return Filter{Principal: p}
}

func (f Filter) Accept(record contracts.Record) bool {
	if f.Principal == nil {
		return false
	}
	id, ok := f.Principal.PrincipalID()
	if !ok || id == "" {
		return false
	}
	return record.OwnerID() == id
}

// Static is a fixed principal, used by tools that act for a single user.
type Static string

func (s Static) PrincipalID() (string, bool) {
	return string(s), s != ""
}
