// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a console encoder,
//   - context helpers (ToContext/FromContext/WithName),
//   - level parsing and a line writer that forwards subprocess output,
//   - convenience functions (InfoKV, ErrorKV, etc.).
//
// Every step of a packaging run receives a context and extracts the logger
// from it, so command output and staging events share one scoped logger.
package logger
