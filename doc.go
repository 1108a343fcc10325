// Package auth implements the account authentication and session
// lifecycle core: credential verification, JWT access tokens, rotating
// refresh tokens with replay detection, single-use verification and
// password reset tokens, and first-account role promotion.
//
// The package owns the state machine and its invariants only. Transport,
// request shaping and email rendering live with the caller: the core
// consumes an account store, a role store, a mailer, a clock and a
// random token source, and exposes plain value operations returning
// typed errors.
package auth
