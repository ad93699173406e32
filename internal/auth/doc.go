// Package auth provides authentication and authorisation for Runlet.
//
// It implements a 2-tier role model with:
//   - JWT access tokens signed with HS256
//   - Static role checks (compile-time, no database lookup)
//
// The operator role may launch, feed, and destroy processes; the
// viewer role may only observe. Tokens are validated by signature and
// expiry alone, so request handling never touches storage.
package auth
