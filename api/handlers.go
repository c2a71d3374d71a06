package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasksync/audit"
	"tasksync/domain"
	"tasksync/pipeline"
	"tasksync/storage"
)

const maxBodySize = 1 << 20 // 1 MiB

// Deps lists what the HTTP surface talks to. Bulk, History, Notifications,
// Deduper, Ready and Realtime are optional; routes without a backend are not
// registered.
type Deps struct {
	Service       *pipeline.Service
	Bulk          *pipeline.BulkCoordinator
	History       *audit.Reader
	Notifications storage.NotificationStore
	Members       storage.MemberRegistry
	Auth          Authenticator
	Deduper       Deduper
	Ready         Pinger
	Realtime      http.Handler
	Logger        *log.Logger
}

// Register wires every route on e.
func Register(e *echo.Echo, d Deps) {
	if d.Service == nil || d.Auth == nil {
		panic("api.Register: service and auth are required")
	}
	if d.Logger == nil {
		panic("api.Register: logger is nil")
	}
	e.Use(RequestTelemetry(d.Logger), GzipRequestMiddleware())

	e.GET("/healthz", healthz())
	e.GET("/readyz", readyz(d.Ready))
	if d.Realtime != nil {
		e.GET("/ws", echo.WrapHandler(d.Realtime))
	}

	authed := requireUser(d.Auth)
	once := idempotent(d.Deduper, d.Logger)

	e.POST("/tasks", createTask(d), authed, once)
	if d.Bulk != nil {
		e.PATCH("/tasks/bulk", bulkUpdate(d), authed, once)
	}
	e.GET("/tasks/:id", getTask(d), authed)
	e.PATCH("/tasks/:id", updateTask(d), authed, once)
	e.DELETE("/tasks/:id", deleteTask(d), authed, once)

	e.GET("/tasks/:id/comments", listComments(d), authed)
	e.POST("/tasks/:id/comments", postComment(d), authed, once)
	e.PATCH("/comments/:id", editComment(d), authed, once)

	if d.History != nil {
		e.GET("/tasks/:id/history", taskHistory(d), authed)
		e.GET("/activity", activity(d), authed)
	}

	if d.Members != nil {
		e.PUT("/workspaces/:workspaceId/members/:userId", putMember(d), authed, once)
	}

	if d.Notifications != nil {
		e.GET("/notifications/user/:id", listNotifications(d), authed)
		e.GET("/notifications/user/:id/unread-count", unreadCount(d), authed)
		e.PATCH("/notifications/user/:id/read-all", markAllRead(d), authed)
		e.PATCH("/notifications/:id/read", markRead(d), authed)
		e.DELETE("/notifications/:id", deleteNotification(d), authed)
	}
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func readyz(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			c.Set(ctxKeyError, err)
			return c.JSON(http.StatusServiceUnavailable, errorBody{Code: CodeUnavailable, Error: "store unreachable"})
		}
		return c.NoContent(http.StatusOK)
	}
}

type createTaskBody struct {
	WorkspaceID string `json:"workspaceId"`
	ListID      string `json:"listId"`
	UserID      string `json:"userId"`
	domain.Fields
}

type patchTaskBody struct {
	domain.ChangeSet
	ExpectedVersion *int64 `json:"expectedVersion"`
	UserID          string `json:"userId"`
}

type bulkBody struct {
	TaskIDs          []string         `json:"taskIds"`
	Updates          domain.ChangeSet `json:"updates"`
	ExpectedVersions map[string]int64 `json:"expectedVersions"`
	UserID           string           `json:"userId"`
}

type commentBody struct {
	Body       string `json:"body"`
	AssignedTo string `json:"assignedTo"`
	UserID     string `json:"userId"`
}

type commentPatchBody struct {
	Body       *string `json:"body"`
	AssignedTo *string `json:"assignedTo"`
	UserID     string  `json:"userId"`
}

type historyResponse struct {
	TaskID  string                `json:"taskId"`
	Entries []domain.HistoryEntry `json:"entries"`
}

type commentsResponse struct {
	Comments []domain.Comment `json:"comments"`
}

type notificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Message: "invalid request body"}
	}
	return nil
}

// actor returns the authenticated user. A userId in the body must name the
// same user.
func actor(c echo.Context, claimed string) (string, error) {
	user := currentUser(c)
	if claimed != "" && claimed != user {
		return "", fmt.Errorf("%w: userId does not match the authenticated user", domain.ErrForbidden)
	}
	return user, nil
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// parseVersion reads a version from an If-Match header or a query value.
func parseVersion(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// expectedVersion picks the body value, falling back to If-Match. A write
// without an expected version is rejected.
func expectedVersion(c echo.Context, fromBody *int64) (int64, error) {
	if fromBody != nil {
		if *fromBody < 1 {
			return 0, &domain.ValidationError{Field: "expectedVersion", Message: "must be at least 1"}
		}
		return *fromBody, nil
	}
	if h := c.Request().Header.Get("If-Match"); h != "" {
		v, ok := parseVersion(h)
		if !ok || v < 1 {
			return 0, &domain.ValidationError{Field: "If-Match", Message: "must carry a task version"}
		}
		return v, nil
	}
	return 0, &domain.ValidationError{Field: "expectedVersion", Message: "is required"}
}

func canRead(ctx context.Context, members storage.MemberDirectory, workspaceID, userID string) error {
	if members == nil {
		return nil
	}
	_, err := members.Member(ctx, workspaceID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrForbidden
	}
	return err
}

// visibleTask loads a task the caller may read.
func visibleTask(c echo.Context, d Deps, id string) (domain.Task, error) {
	ctx := c.Request().Context()
	task, err := d.Service.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := canRead(ctx, d.Members, task.WorkspaceID, currentUser(c)); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func createTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body createTaskBody
		if err := decodeBody(c, &body); err != nil {
			return writeError(c, d.Logger, err)
		}
		user, err := actor(c, body.UserID)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		task, err := d.Service.Create(c.Request().Context(), pipeline.CreateRequest{
			WorkspaceID: body.WorkspaceID,
			ListID:      body.ListID,
			Fields:      body.Fields,
			ActorID:     user,
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		c.Response().Header().Set(echo.HeaderLocation, "/tasks/"+task.ID)
		c.Response().Header().Set("ETag", etag(task.Version))
		return c.JSON(http.StatusCreated, task)
	}
}

func getTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := visibleTask(c, d, c.Param("id"))
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		tag := etag(task.Version)
		c.Response().Header().Set("ETag", tag)
		if c.Request().Header.Get("If-None-Match") == tag {
			return c.NoContent(http.StatusNotModified)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func updateTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body patchTaskBody
		if err := decodeBody(c, &body); err != nil {
			return writeError(c, d.Logger, err)
		}
		user, err := actor(c, body.UserID)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		expected, err := expectedVersion(c, body.ExpectedVersion)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		res, err := d.Service.Update(c.Request().Context(), pipeline.Proposal{
			TaskID:          c.Param("id"),
			ExpectedVersion: expected,
			Changes:         body.ChangeSet,
			ActorID:         user,
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		c.Response().Header().Set("ETag", etag(res.Task.Version))
		return c.JSON(http.StatusOK, res)
	}
}

func deleteTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var expected int64
		if raw := c.QueryParam("expectedVersion"); raw != "" {
			v, ok := parseVersion(raw)
			if !ok || v < 1 {
				return writeError(c, d.Logger, &domain.ValidationError{Field: "expectedVersion", Message: "must be at least 1"})
			}
			expected = v
		} else {
			v, err := expectedVersion(c, nil)
			if err != nil {
				return writeError(c, d.Logger, err)
			}
			expected = v
		}
		if _, err := d.Service.Delete(c.Request().Context(), c.Param("id"), expected, currentUser(c)); err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func bulkUpdate(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body bulkBody
		if err := decodeBody(c, &body); err != nil {
			return writeError(c, d.Logger, err)
		}
		user, err := actor(c, body.UserID)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		res, err := d.Bulk.Update(c.Request().Context(), pipeline.BulkRequest{
			TaskIDs:          body.TaskIDs,
			Updates:          body.Updates,
			ExpectedVersions: body.ExpectedVersions,
			ActorID:          user,
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func taskHistory(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		// the trail of a soft deleted task stays readable
		workspaceID, err := d.Service.Workspace(ctx, id)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		if err := canRead(ctx, d.Members, workspaceID, currentUser(c)); err != nil {
			return writeError(c, d.Logger, err)
		}
		entries, err := d.History.TaskHistory(ctx, id)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		if entries == nil {
			entries = []domain.HistoryEntry{}
		}
		return c.JSON(http.StatusOK, historyResponse{TaskID: id, Entries: entries})
	}
}

func listComments(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := visibleTask(c, d, c.Param("id"))
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		comments, err := d.Service.Comments(c.Request().Context(), task.ID)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		if comments == nil {
			comments = []domain.Comment{}
		}
		return c.JSON(http.StatusOK, commentsResponse{Comments: comments})
	}
}

func postComment(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body commentBody
		if err := decodeBody(c, &body); err != nil {
			return writeError(c, d.Logger, err)
		}
		user, err := actor(c, body.UserID)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		comment, err := d.Service.PostComment(c.Request().Context(), pipeline.CommentRequest{
			TaskID:     c.Param("id"),
			ActorID:    user,
			Body:       body.Body,
			AssignedTo: body.AssignedTo,
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(http.StatusCreated, comment)
	}
}

func editComment(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body commentPatchBody
		if err := decodeBody(c, &body); err != nil {
			return writeError(c, d.Logger, err)
		}
		if body.Body == nil && body.AssignedTo == nil {
			return writeError(c, d.Logger, &domain.ValidationError{Message: "body or assignedTo is required"})
		}
		user, err := actor(c, body.UserID)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		comment, err := d.Service.EditComment(c.Request().Context(), pipeline.CommentEdit{
			CommentID:  c.Param("id"),
			ActorID:    user,
			Body:       body.Body,
			AssignedTo: body.AssignedTo,
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(http.StatusOK, comment)
	}
}

func activity(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		filter, err := parseActivityFilter(c)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		ctx := c.Request().Context()
		if err := canRead(ctx, d.Members, filter.WorkspaceID, currentUser(c)); err != nil {
			return writeError(c, d.Logger, err)
		}
		page, err := d.History.Activity(ctx, filter)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		if page.Items == nil {
			page.Items = []domain.ActivityItem{}
		}
		return c.JSON(http.StatusOK, page)
	}
}

func parseActivityFilter(c echo.Context) (domain.ActivityFilter, error) {
	q := c.QueryParams()
	f := domain.ActivityFilter{
		WorkspaceID: strings.TrimSpace(q.Get("workspaceId")),
		ListID:      strings.TrimSpace(q.Get("listId")),
		TaskID:      strings.TrimSpace(q.Get("taskId")),
		ActorID:     strings.TrimSpace(q.Get("userId")),
		Search:      strings.TrimSpace(q.Get("search")),
	}
	if f.WorkspaceID == "" {
		return f, &domain.ValidationError{Field: "workspaceId", Message: "is required"}
	}
	for _, raw := range append(q["eventType[]"], q["eventType"]...) {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				f.Actions = append(f.Actions, domain.Action(a))
			}
		}
	}
	var err error
	if f.From, err = parseDateParam(q.Get("dateFrom"), false); err != nil {
		return f, &domain.ValidationError{Field: "dateFrom", Message: err.Error()}
	}
	if f.To, err = parseDateParam(q.Get("dateTo"), true); err != nil {
		return f, &domain.ValidationError{Field: "dateTo", Message: err.Error()}
	}
	if f.Page, err = intParam(q.Get("page")); err != nil {
		return f, &domain.ValidationError{Field: "page", Message: err.Error()}
	}
	if f.PerPage, err = intParam(q.Get("perPage")); err != nil {
		return f, &domain.ValidationError{Field: "perPage", Message: err.Error()}
	}
	return f, nil
}

// parseDateParam accepts RFC 3339 or a bare date. A bare upper bound covers the
// whole day.
func parseDateParam(raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errors.New("must be RFC 3339 or YYYY-MM-DD")
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}

// ownInbox rejects access to another user's notifications.
func ownInbox(c echo.Context) (string, error) {
	user := currentUser(c)
	if c.Param("id") != user {
		return "", fmt.Errorf("%w: notifications belong to another user", domain.ErrForbidden)
	}
	return user, nil
}

func listNotifications(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := ownInbox(c)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		unreadOnly, _ := strconv.ParseBool(c.QueryParam("unreadOnly"))
		limit, err := intParam(c.QueryParam("limit"))
		if err != nil {
			return writeError(c, d.Logger, &domain.ValidationError{Field: "limit", Message: err.Error()})
		}
		items, err := d.Notifications.ListNotifications(c.Request().Context(), user, unreadOnly, limit)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return c.JSON(http.StatusOK, notificationsResponse{Notifications: items})
	}
}

func unreadCount(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := ownInbox(c)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		n, err := d.Notifications.UnreadCount(c.Request().Context(), user)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(http.StatusOK, map[string]int{"count": n})
	}
}

func markAllRead(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := ownInbox(c)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		n, err := d.Notifications.MarkAllRead(c.Request().Context(), user)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(http.StatusOK, map[string]int64{"updated": n})
	}
}

func markRead(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := d.Notifications.MarkRead(c.Request().Context(), c.Param("id"), currentUser(c)); err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteNotification(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := d.Notifications.DeleteNotification(c.Request().Context(), c.Param("id"), currentUser(c)); err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
