// ABOUTME: Carries the authenticated caller through request handlers
// ABOUTME: WithSubject/SubjectFromContext are set by the HTTP middleware

package auth

import "context"

type subjectKey struct{}

// WithSubject returns ctx carrying the authenticated subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, or "" for anonymous
// requests.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}
