// Package logx configures signboard's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A bounded, rate-limited ring of recent warnings for the diagnostics endpoint
package logx
