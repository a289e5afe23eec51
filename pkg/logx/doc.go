// Package logx is a thin field-based wrapper over zerolog.
//
// Loggers taken from a Service follow its Apply calls, so a config reload can
// change level and sinks without rebuilding components. Console output is
// human-readable with a short caller; file output is JSON.
package logx
