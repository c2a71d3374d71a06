package domain

// Role is a member's permission level inside a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleGuest, RoleViewer:
		return true
	}
	return false
}

// CanManageMembers reports whether the role may change workspace memberships.
func (r Role) CanManageMembers() bool {
	return r == RoleOwner || r == RoleAdmin
}

// CanEdit reports whether the role may mutate tasks.
func (r Role) CanEdit() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Member is a user's membership in a workspace.
type Member struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Role        Role   `json:"role"`
}

// Name returns the best human label for the member.
func (m Member) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	if m.Username != "" {
		return m.Username
	}
	return m.UserID
}
