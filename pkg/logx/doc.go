// Package logx configures the observer's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp + short caller) and file output JSON-structured.
// Loggers derived from a Service follow later Service.Apply calls.
package logx
