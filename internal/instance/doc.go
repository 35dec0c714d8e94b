// Package instance runs one project instance: an agent server plus the proxy
// the browser talks to.
//
// # Overview
//
// The broker spawns instances through the hidden "instance" command. Each
// instance owns two ports: the public proxy port it registers with the broker
// and a private agent port where "opencode serve" listens.
//
//	browser -> proxy :P  /api/*  -> agent server :A  /*
//	           proxy :P  /health
//	           proxy :P  POST /__shutdown  (bearer token, sub == cwd)
//
// The proxy strips the API prefix, overwrites CORS headers so the hosted web
// UI can call it, and passes websocket upgrades and streamed responses
// through unbuffered.
//
// # Liveness
//
// Runner registers once the agent port accepts connections, then pings the
// broker every heartbeat interval:
//
//   - known=false: the broker lost its state, register again
//   - known=true, matched=false: another instance owns the cwd, keep quiet
//   - request error: locate or start a broker and register with it
//
// On any exit path (signal, control endpoint, agent exit) Runner deregisters
// exactly once, unless it has been replaced, stops the agent, and closes the
// proxy.
package instance
