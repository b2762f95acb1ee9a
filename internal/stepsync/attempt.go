package stepsync

import "context"

type attemptKey struct{}

// ContextWithAttempt tags ctx with the onboarding attempt a write belongs to.
// The first attempt of a session is "".
func ContextWithAttempt(ctx context.Context, attempt string) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFromContext returns the attempt set by ContextWithAttempt, or "".
func AttemptFromContext(ctx context.Context) string {
	a, _ := ctx.Value(attemptKey{}).(string)
	return a
}
