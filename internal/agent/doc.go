// Package agent bridges conversations to an external, stateful agent process.
//
// # Overview
//
// An agent connection is opened once and then fed prompts for its whole
// lifetime. The pieces:
//
//   - Queue: unbounded handoff buffer from Send calls to the connection's
//     prompt reader. Closing it ends the reader's iteration.
//   - Connector / Conn: the boundary to the agent implementation. The cli
//     and api subpackages provide real connectors; agenttest provides a fake.
//   - Launcher: process-wide factory that owns the setup lock. Connecting
//     mutates the process environment (workspace .env overlay), so connects
//     are serialized; streaming is not.
//   - Session: one live connection plus its queue and idle supervisor.
//
// # Session lifecycle
//
//	s := launcher.NewSession(opts)
//	s.Init(ctx)                     // connect
//	s.Send(ctx, "", "hello")        // push a prompt
//	for ev, err := range s.Output(ctx) { ... }
//
// After agents.idle_timeout without a send or a received event the session
// interrupts the agent, cancels the connection and closes its queue. The next
// Send reconnects with the captured resume token, so the conversation keeps
// its identity. A failed stream is torn down the same way and additionally
// reported to the Output consumer as an error.
//
// # Model switching
//
// Send with a model different from the current one switches the live
// connection in place (Conn.SetModel). If the connection was torn down, the
// new model is used when reconnecting.
package agent
