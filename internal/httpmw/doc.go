// Package httpmw provides HTTP middleware for the public API listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recover, request ID, client IP, OTEL tracing, trace response headers,
// metrics, request-scoped logger, then the chi router which adds route
// annotation and access logging. Per-endpoint rate limiting and body caps
// are attached on the individual routes.
//
// Request bodies, query strings, and user agents are never logged. Contact
// form payloads carry personal data and stay out of request logs and spans.
package httpmw
