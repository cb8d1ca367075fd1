// Package auth authenticates proxied requests.
//
// A request carries its credential as an Authorization bearer token. The
// token is checked by an Authenticator chosen by the auth mode:
//
//   - none: every request is accepted
//   - jwt: the token is verified locally against a shared secret or an
//     RSA public key, with optional issuer and audience checks
//   - remote: the token is sent to the auth service's verify endpoint;
//     results are cached for a short TTL and calls are guarded by a
//     circuit breaker so an unavailable auth service fails fast
//
// Exemptions are CEL expressions over service, path and method. A request
// matching any exemption skips authentication. The default exemption lets
// clients reach the login, register and health endpoints of the auth
// service itself.
package auth
