// Package logx configures modcollect's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Noisy repeated warnings throttled per key (see Throttle)
package logx
