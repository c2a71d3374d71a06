package api

import (
	"errors"
	"strings"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerValue returns whatever follows the Bearer scheme.
func bearerValue(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	value, ok := strings.CutPrefix(h, bearerPrefix)
	if !ok {
		return "", errBadAuthorization
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errBadAuthorization
	}
	return value, nil
}

// bearerToken returns the JWT carried by the header. Anything that is not
// three dot separated segments is rejected before parsing.
func bearerToken(h string) (string, error) {
	value, err := bearerValue(h)
	if err != nil {
		return "", err
	}
	if strings.Count(value, ".") != 2 {
		return "", errBadAuthorization
	}
	return value, nil
}
