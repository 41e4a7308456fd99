package models

// LegacySession is the deprecated {token, user} view some older collaborators
// still expect. It is a projection over CitizenIdentity, never a separate
// source of truth.
//
// Deprecated: new collaborators should consume CitizenIdentity directly.
type LegacySession struct {
	Token string     `json:"token"`
	User  LegacyUser `json:"user"`
}

type LegacyUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Onboarded   bool   `json:"onboarded"`
}

// ToLegacySession maps a CitizenIdentity onto the legacy shape. The token
// field carries the citizen id; it was never a bearer secret in the legacy
// consumers, only a stable key.
func ToLegacySession(identity CitizenIdentity) LegacySession {
	return LegacySession{
		Token: identity.CitizenID,
		User: LegacyUser{
			ID:          identity.CitizenID,
			DisplayName: identity.Handle,
			Onboarded:   identity.Onboarded,
		},
	}
}
