// Package client is the typed HTTP client for the broker control plane.
//
// The CLI uses it for start, stop, list and events; instance runners use it
// for register, ping and deregister. Broker answers of 409, 404 and 400 come
// back as ErrConflict, ErrNotFound and ErrValidation so callers can match them
// with errors.Is; any other non-2xx answer is an *APIError.
package client
