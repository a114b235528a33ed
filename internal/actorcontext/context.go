// Package actorcontext carries the acting party of a request through the
// context so services and the audit log can attribute mutations.
package actorcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Role identifies the kind of actor behind a request.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleGuardian Role = "guardian"
	RoleTeacher  Role = "teacher"
	RoleSystem   Role = "system"
)

// Actor is the resolved identity attached to the request context.
type Actor struct {
	Role Role
	ID   snowflake.ID
	Name string
}

type actorKey struct{}

// WithActor stores the actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor from context, defaulting to system.
func ActorFromContext(ctx context.Context) Actor {
	if ctx == nil {
		return Actor{Role: RoleSystem}
	}
	if actor, ok := ctx.Value(actorKey{}).(Actor); ok {
		return actor
	}
	return Actor{Role: RoleSystem}
}

// IsAdmin reports whether the context actor has the admin role.
func IsAdmin(ctx context.Context) bool {
	return ActorFromContext(ctx).Role == RoleAdmin
}

// ParseRole normalises a raw role string, defaulting to system.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleGuardian:
		return RoleGuardian
	case RoleTeacher:
		return RoleTeacher
	default:
		return RoleSystem
	}
}
