// Package server exposes the chat sessions, their working sets and the agent
// event stream over HTTP.
//
// # API Endpoints
//
//   - /session/*: session lifecycle, export and the render view
//   - /session/{id}/request: start an exchange; with a sidecar configured the
//     agent run is streamed into the session in the background
//   - /session/{id}/progress: push agent events for open exchanges
//   - /session/{id}/exchange/*: remove, cancel or resend an exchange
//   - /session/{id}/working-set/*, /session/{id}/edits: streamed file edits
//     and the accept or reject decisions on them
//   - /event: the bus as Server-Sent Events, optionally filtered by session
//
// Domain errors map onto status codes in one place (writeDomainError), so
// handlers only decide which service call to make.
//
// # Usage Example
//
//	srv := server.New(server.ConfigFrom(cfg.Server), server.Deps{
//		AppConfig:  cfg,
//		Bus:        bus,
//		Chat:       chatSvc,
//		Editing:    editSvc,
//		Dispatcher: dispatcher,
//		Sidecar:    client,
//	})
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
