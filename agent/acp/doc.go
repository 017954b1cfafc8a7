// Package acp implements Agent Client Protocol (ACP) support for parley.
// Editors such as Zed start "parley --acp" and exchange newline-delimited
// JSON-RPC messages with it over stdio.
//
// Supported methods:
//   - initialize: returns the protocol version and capabilities
//   - session/new: creates a session
//   - session/load: replays a saved session as session/update notifications
//   - session/prompt: runs one turn and answers with its stop reason
//   - session/cancel: cancels the running turn of a session
//
// While a turn runs, text, reasoning and tool calls are streamed as
// session/update notifications. Tool calls that need approval are sent to
// the client as session/request_permission requests.
package acp
