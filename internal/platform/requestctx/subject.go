// Package requestctx carries caller identity resolved at the HTTP edge.
package requestctx

import "context"

type subjectContextKey struct{}

// WithSubject stores the authenticated token subject in context.
func WithSubject(ctx context.Context, subject string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

// SubjectFromContext returns the authenticated token subject, or "".
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(subjectContextKey{}).(string)
	return value
}
