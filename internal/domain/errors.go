package domain

import "errors"

// Sentinel errors shared across the engine. Callers match them with
// errors.Is after unwrapping.
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientData  = errors.New("insufficient market data")
	ErrInvalidMarketData = errors.New("invalid market data")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrEmergencyStop     = errors.New("Trading suspended - Emergency stop active")
	ErrExecutionTimeout  = errors.New("execution timed out")
	ErrTradeRejected     = errors.New("trade rejected by risk checks")
)
