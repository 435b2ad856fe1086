// Package middleware provides HTTP middleware for the media server.
//
// It includes:
//   - Request logging in W3C Extended Log Format
//   - Response compression (gzip)
//   - Prometheus request metrics
//   - Session authentication and role checks
package middleware
