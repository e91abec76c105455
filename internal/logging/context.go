package logging

import (
	"context"

	"go.uber.org/zap"
)

type reviewCtxKey struct{}
type requestCtxKey struct{}

// WithReviewID returns a context carrying the review correlation id.
func WithReviewID(ctx context.Context, reviewID string) context.Context {
	return context.WithValue(ctx, reviewCtxKey{}, reviewID)
}

// ReviewIDFromContext extracts the review id, or "" if absent.
func ReviewIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(reviewCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestID returns a context carrying the HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request id, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if reviewID := ReviewIDFromContext(ctx); reviewID != "" {
		fields = append(fields, zap.String("review.id", reviewID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}
