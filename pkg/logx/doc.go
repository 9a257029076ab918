// Package logx configures herald's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output short
// (timestamp + file:line), file output JSON-structured, and optionally mirrors
// warnings to an operator chat through a rate-limited alert sink.
package logx
