package auth

import "context"

type contextKey string

const (
	contextKeyOrganization contextKey = "auth.organization_id"
	contextKeyRole         contextKey = "auth.role"
	contextKeySubject      contextKey = "auth.subject"
)

// WithIdentity stores the caller identity in context.
func WithIdentity(ctx context.Context, organizationID string, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, contextKeyOrganization, organizationID)
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	return ctx
}

// OrganizationIDFromContext extracts the caller organization. Empty means unauthenticated.
func OrganizationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if organizationID, ok := ctx.Value(contextKeyOrganization).(string); ok {
		return organizationID
	}
	return ""
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyRole)
	if role, ok := value.(Role); ok {
		return role
	}
	if role, ok := value.(string); ok {
		if normalized, err := ParseRole(role); err == nil {
			return normalized
		}
	}
	return ""
}

// SubjectFromContext extracts subject from context.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if subject, ok := ctx.Value(contextKeySubject).(string); ok {
		return subject
	}
	return ""
}
