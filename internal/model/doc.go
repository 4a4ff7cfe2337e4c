// Package model defines shared data types used across the market sync engine.
//
// Conventions:
//   - Prices: decimal.Decimal (exact arithmetic, no float drift)
//   - Timestamps: int64 milliseconds since Unix epoch
//   - Symbol keys: "EXCHANGE:SYMBOL" strings
package model
