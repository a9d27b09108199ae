// Package conversation connects durable chat sessions to live agent sessions.
//
// # Overview
//
// The conversation package sits between the HTTP/WebSocket handlers and the
// agent package. A Registry maps a session id to its Chat; a Chat owns at most
// one agent.Session and a Hub of subscribers.
//
//	reg := conversation.NewRegistry(conversation.Config{
//		Store:    store,
//		Launcher: launcher,
//		Defaults: conversation.AgentDefaults{Model: "claude-sonnet-4-5-20250929"},
//	})
//	chat, err := reg.GetOrCreate(ctx, sessionID)
//
// # Sending
//
// Chat.SendMessage records the user message first, then forwards it:
//
//  1. Store the user message (failures are returned to the caller) and
//     broadcast it as a user_message event
//  2. Store a model change if the model differs from the last one used
//  3. Create and connect the agent session if there is none
//  4. Queue the content on the agent session
//  5. Start the listening loop unless it is already running
//
// # Listening
//
// One loop per chat reads the agent's output, stores assistant text, thinking
// and tool calls, and broadcasts one Event per unit:
//
//   - assistant_text: text from the agent
//   - thinking: reasoning text
//   - tool_use: tool name and JSON input
//   - result: turn finished (cost, duration, tokens)
//   - error: turn or connection failed, including a connection recycled
//     while a turn was still running
//
// The resume token reported by the agent is stored as soon as it appears, so
// a connection closed for inactivity reconnects to the same conversation.
//
// # Subscribers
//
// Any number of subscribers may attach to a chat. Delivery is synchronous and
// best-effort: a subscriber that is closed or fails a send is dropped. Use
// ChannelSubscriber to hand events to another goroutine.
package conversation
