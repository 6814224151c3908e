// Package engine is the composition root that assembles the evalhost client
// layer from configuration. Frontends (the CLI, an editor integration) build
// an Engine, evaluate through its REPL session, query packages through its
// package manager and observe activity through its event bus, without
// wiring brokers, sessions and caches themselves.
package engine
