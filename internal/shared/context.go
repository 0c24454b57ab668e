package shared

import "context"

type actorContextKey struct{}

// SystemActor identifies mutations performed by background workers.
const SystemActor = "system"

// ContextWithActor stores the acting user in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting user from context. Falls back to
// SystemActor so audit entries are never written without an actor.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	if actor == "" {
		return SystemActor
	}
	return actor
}
