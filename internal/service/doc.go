// Package service is the application-facing entry point: it starts the sending
// side (producer coordinator plus message ids) and the receiving side (consumer
// coordinator plus feedback dispatcher) over one transport env.
package service
