// Package health provides composable probes and the liveness/readiness
// handlers served on the ops listener.
//
// Probes combine with [All] (AND), [Any] (OR) and [Fixed] (static); [Named]
// prefixes a failure with the subsystem it came from. [ShutdownGate] fails
// readiness as soon as draining starts so the load balancer stops routing
// new requests while in-flight ones finish.
package health
