// Package node hosts the runtime shared by both roles: the HTTP listener
// serving /message and /health, metrics, structured logging scoped with
// node id and role, and graceful shutdown threaded through a cancellation
// context and a bounded drain window.
//
// The role-specific state machines live in coordinator and contributor;
// Runtime only knows about the common Role interface both satisfy.
package node
