// Package config loads and validates the fauxgate.yaml service configuration.
//
// The configuration describes one service: its functions (handler entry,
// event bindings, timeout, memory, environment), the emulator server
// settings, and the packaging settings. Loading applies defaults and
// validates both structure (via struct tags) and semantics (duplicate
// WebSocket routes, malformed handler strings).
//
// Function declaration order is preserved: it is the tie-break for
// overlapping HTTP routes, so it is part of the user-visible contract.
package config
