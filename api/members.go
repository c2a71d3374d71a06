package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"tasksync/domain"
)

type memberBody struct {
	Username    string      `json:"username"`
	DisplayName string      `json:"displayName"`
	AvatarURL   string      `json:"avatarUrl"`
	Role        domain.Role `json:"role"`
}

// putMember adds or updates a workspace membership. Owners and admins may
// manage members; only owners may grant the owner role.
func putMember(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body memberBody
		if err := decodeBody(c, &body); err != nil {
			return writeError(c, d.Logger, err)
		}
		m := domain.Member{
			WorkspaceID: strings.TrimSpace(c.Param("workspaceId")),
			UserID:      strings.TrimSpace(c.Param("userId")),
			Username:    strings.TrimSpace(body.Username),
			DisplayName: strings.TrimSpace(body.DisplayName),
			AvatarURL:   strings.TrimSpace(body.AvatarURL),
			Role:        domain.Role(strings.ToLower(string(body.Role))),
		}
		switch {
		case m.WorkspaceID == "" || m.UserID == "":
			return writeError(c, d.Logger, &domain.ValidationError{Field: "userId", Message: "is required"})
		case !m.Role.Valid():
			return writeError(c, d.Logger, &domain.ValidationError{Field: "role", Message: "is not a known role"})
		case strings.ContainsAny(m.Username, " @"):
			return writeError(c, d.Logger, &domain.ValidationError{Field: "username", Message: "must not contain spaces or @"})
		}

		ctx := c.Request().Context()
		caller, err := d.Members.Member(ctx, m.WorkspaceID, currentUser(c))
		if errors.Is(err, domain.ErrNotFound) {
			return writeError(c, d.Logger, domain.ErrForbidden)
		}
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		if !caller.Role.CanManageMembers() || (m.Role == domain.RoleOwner && caller.Role != domain.RoleOwner) {
			return writeError(c, d.Logger, domain.ErrForbidden)
		}
		if err := d.Members.UpsertMember(ctx, m); err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(http.StatusOK, m)
	}
}
