package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	ctxKeyUserID = "tasksync.user"

	// HeaderIdempotencyKey names the client supplied key of a mutating request.
	HeaderIdempotencyKey = "Idempotency-Key"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies. Invalid gzip
// payloads are rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}
			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return c.JSON(http.StatusBadRequest, errorBody{Code: CodeValidation, Error: "invalid gzip body"})
			}
			req.Body = &gzipReadCloser{Reader: gr, body: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// requireUser authenticates the caller and stores the user id on the context.
func requireUser(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return unauthorized(c, err)
			}
			c.Set(ctxKeyUserID, userID)
			return next(c)
		}
	}
}

func currentUser(c echo.Context) string {
	id, _ := c.Get(ctxKeyUserID).(string)
	return id
}

// idempotent records the Idempotency-Key of a mutating request. A replayed
// key is refused; the key is released when the request did not succeed so the
// client may retry it. Deduper failures let the request through.
func idempotent(deduper Deduper, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
			if deduper == nil || key == "" {
				return next(c)
			}
			ctx := c.Request().Context()
			userID := currentUser(c)
			claimed, err := deduper.Claim(ctx, userID, key)
			if err != nil {
				logger.WithError(err).WithField("user", userID).Warn("idempotency check failed")
				return next(c)
			}
			if !claimed {
				return c.JSON(http.StatusConflict, errorBody{Code: CodeDuplicate, Error: "request with this idempotency key was already processed"})
			}

			err = next(c)
			if err != nil || c.Response().Status >= http.StatusBadRequest {
				if rerr := deduper.Release(ctx, userID, key); rerr != nil {
					logger.WithError(rerr).WithField("user", userID).Warn("release idempotency key failed")
				}
			}
			return err
		}
	}
}
