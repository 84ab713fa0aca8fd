// Package logx configures relaybot's structured logging.
//
// Logger is a small value type over zerolog. Loggers handed out by a Service
// follow every Service.Apply, so levels and outputs can change on config
// reload without rebuilding components. Outputs:
//   - console, human readable with a short caller
//   - JSON file
//   - a Telegram log chat (min level, rate limited, never blocking)
//
// Bot tokens are masked in every output.
package logx
