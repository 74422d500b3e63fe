package model

import "time"

// Role is what a connection may do.
type Role string

const (
	RoleJudge     Role = "judge"
	RoleSpectator Role = "spectator"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleJudge || r == RoleSpectator || r == RoleAdmin
}

// SeesConflicts reports whether the role may receive conflict traffic.
func (r Role) SeesConflicts() bool { return r == RoleJudge || r == RoleAdmin }

// Identity is the externally-issued principal behind a token.
type Identity struct {
	ID   string `json:"id" koanf:"id"`
	Name string `json:"name,omitempty" koanf:"name"`
	Role Role   `json:"role" koanf:"role"`
}

// Actor is the explicit caller passed through every pipeline call.
type Actor struct {
	ID   string
	Role Role

	system bool
}

// System is the actor used for timer-driven actions. No identity converts
// to it, whatever its id.
var System = Actor{ID: "system", Role: RoleAdmin, system: true}

// IsSystem reports whether a is the internal System actor.
func (a Actor) IsSystem() bool { return a.system }

// ActorOf converts an identity.
func ActorOf(id Identity) Actor { return Actor{ID: id.ID, Role: id.Role} }

// Connection is a transient live connection bound to one session.
type Connection struct {
	ID          string    `json:"connection_id"`
	SessionID   string    `json:"session_id"`
	Role        Role      `json:"role"`
	Identity    *Identity `json:"identity,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// JudgeID returns the id of the judge behind the connection. It is empty
// unless the token itself was issued to a judge.
func (c Connection) JudgeID() string {
	if c.Identity == nil || c.Identity.Role != RoleJudge {
		return ""
	}
	return c.Identity.ID
}
