package core

import "context"

// Permissions the core checks before destructive operations. Expansion of a
// user's permission set happens in the authorization layer; the core only
// receives the resolved Actor.
const (
	PermManageDrafts = "drafts.manage"
	PermManageStock  = "stock.manage"
	PermRefund       = "orders.refund"
)

// Actor is the resolved identity attached to each inbound request.
type Actor struct {
	ID                 int
	Name               string
	Permissions        []string
	BypassRestrictions bool
}

// Can reports whether the actor holds the permission. The bypass flag
// short-circuits every check.
func (a Actor) Can(perm string) bool {
	if a.BypassRestrictions {
		return true
	}
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
