// Package logx is the structured logging layer.
//
// It wraps zerolog with a small Logger value type so components can carry
// fixed fields (With) while the Service swaps sinks at runtime:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
package logx
