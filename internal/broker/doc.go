// Package broker runs the per-machine control plane for opencode-web.
//
// # Overview
//
// One broker runs per user session on the first free candidate port. It owns
// the instance registry, the lifecycle controller that spawns and stops
// instances, the lifecycle audit log, and the change broadcaster. Browsers,
// the CLI, and instances all talk to it over loopback HTTP.
//
// # HTTP API
//
//   - POST /register {cwd, port} - instance is listening
//   - POST /ping {cwd, port} - heartbeat; answers {ok, known, matched, online}
//   - POST /deregister {cwd} - instance is going away
//   - GET /instances - discovery signature plus every known instance
//   - POST /instance {cwd} - start an instance, 201 {message, port}
//   - DELETE /instance {cwd} - stop an instance
//   - GET /events - lifecycle audit log, newest first
//   - GET /watch - websocket pushing a snapshot on every registry change
//   - GET /status - HTML status page
//   - GET /health - liveness check
//
// Every response carries permissive CORS headers and OPTIONS preflights get
// 204. Errors are JSON {error} with 400 for validation, 404 when nothing is
// running, 409 on conflict, and 500 for startup or shutdown timeouts.
//
// # Lifecycle
//
//	b, err := broker.New(cfg, port, logger)
//	err = b.Run(ctx) // returns when ctx is cancelled or the port is taken
//
// The broker keeps no state across restarts apart from the audit log.
// Instances notice a restarted broker through their heartbeat and register
// again.
package broker
