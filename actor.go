package orchestrator

import "strings"

// Permission is a capability granted to an operator.
type Permission string

const (
	PermViewDLQ      Permission = "can_view_dlq"
	PermReprocessDLQ Permission = "can_reprocess_dlq"
)

// SystemActorID identifies engine driven transitions in audit events.
const SystemActorID = "system"

// Actor is the identity behind an operator action. An empty FirmID marks a
// platform operator allowed to act on every firm.
type Actor struct {
	ID          string       `json:"id" validate:"required"`
	FirmID      string       `json:"firm_id,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// SystemActor returns the actor used for engine transitions.
func SystemActor() Actor {
	return Actor{ID: SystemActorID}
}

// Has reports whether the actor holds perm.
func (a Actor) Has(perm Permission) bool {
	for _, p := range a.Permissions {
		if Permission(strings.ToLower(strings.TrimSpace(string(p)))) == perm {
			return true
		}
	}
	return false
}

// Authorizer decides whether actor may use perm on firmID resources.
type Authorizer interface {
	Authorize(actor Actor, perm Permission, firmID string) error
}

// AuthorizerFunc adapts a function into an Authorizer.
type AuthorizerFunc func(actor Actor, perm Permission, firmID string) error

func (f AuthorizerFunc) Authorize(actor Actor, perm Permission, firmID string) error {
	return f(actor, perm, firmID)
}

// PermissionAuthorizer checks the permission list and firm membership.
type PermissionAuthorizer struct{}

func (PermissionAuthorizer) Authorize(actor Actor, perm Permission, firmID string) error {
	meta := map[string]any{
		"actor_id":   actor.ID,
		"permission": string(perm),
		"firm_id":    firmID,
	}
	if strings.TrimSpace(actor.ID) == "" {
		return NewError(ErrPermissionDenied, "actor identity required", nil, meta)
	}
	if !actor.Has(perm) {
		return NewError(ErrPermissionDenied, "actor lacks "+string(perm), nil, meta)
	}
	if actor.FirmID != "" && actor.FirmID != firmID {
		return NewError(ErrPermissionDenied, "actor does not belong to firm", nil, meta)
	}
	return nil
}
