// Package auth logs in to the content service and obtains the bearer token
// used by the session provider.
//
// Accounts protected by an email code or a mobile authenticator are handled
// interactively: when the service answers need_email_code or
// need_two_factor, the code is requested from a Prompter and the login is
// retried once with it.
//
// Login request:
//
//	POST {endpoint}/login
//	{"username": "...", "password": "...", "auth_code": "...", "two_factor_code": "..."}
//
// Response:
//
//	{"result": "ok", "token": "...", "message": ""}
package auth
