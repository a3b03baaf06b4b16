package model

import (
	"context"
	"errors"
	"slices"
)

// User types as carried in the token.
const (
	UserTypeMSP    = "msp"
	UserTypeClient = "client"
	UserTypeVendor = "vendor"
	UserTypeSuper  = "super_user"
)

// RoleAdmin lets a non super user force workflow overrides.
const RoleAdmin = "admin"

var (
	ErrMissingSubject = errors.New("request context: subject is required")
	ErrMissingProgram = errors.New("request context: program is required")
)

// RequestContext is the caller identity resolved from a verified token. It is
// built once per request and only read afterwards.
type RequestContext struct {
	SubjectID     string
	Email         string
	ProgramID     string
	UserType      string
	Roles         []string
	Claims        map[string]any
	Token         string
	CorrelationID string
	TraceID       string
}

// Validate requires a subject and a program; every job lookup is scoped by
// both.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, ErrMissingSubject)
	}
	if rc.ProgramID == "" {
		errs = append(errs, ErrMissingProgram)
	}
	return errors.Join(errs...)
}

func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// IsAdmin reports whether the caller may force admin overrides on workflows.
func (rc *RequestContext) IsAdmin() bool {
	return rc.UserType == UserTypeSuper || rc.HasRole(RoleAdmin)
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext is RequestContextFrom for handlers mounted behind
// authentication. It panics when no caller is present.
func MustRequestContext(ctx context.Context) *RequestContext {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx
	}
	panic("model: no request context; handler mounted outside authentication")
}
