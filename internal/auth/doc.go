// Package auth guards instance control endpoints.
//
// # Control Secret
//
// The broker and every instance it spawns share one secret, stored base64
// encoded in a 0600 key file (auth.control_key_path). Whichever process starts
// first creates it.
//
// # Control Tokens
//
// Before asking an instance to shut down, the broker mints a short-lived HS256
// JWT whose subject is the instance's project directory. The instance proxy
// wraps POST /__shutdown in RequireControlToken, which rejects tokens minted
// for a different directory, expired tokens, and tokens from another issuer.
package auth
