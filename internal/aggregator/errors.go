package aggregator

import (
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/chain"
	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// Aggregator errors. Every failed operation wraps exactly one of these.
var (
	ErrUnauthorized            = errors.New("unauthorized")
	ErrAlreadyExists           = errors.New("already exists")
	ErrNotFound                = errors.New("not found")
	ErrInvalidParameters       = errors.New("invalid parameters")
	ErrInactiveResource        = errors.New("inactive resource")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInsufficientLiquidity   = errors.New("insufficient liquidity")
	ErrRouteUnavailable        = errors.New("route unavailable")
	ErrInvalidPreimage         = errors.New("invalid preimage")
	ErrSwapFinalized           = errors.New("swap already finalized")
	ErrTimeoutNotReached       = errors.New("timeout not reached")
	ErrEmergencyShutdownActive = errors.New("emergency shutdown active")
	ErrSwapExpired             = errors.New("swap expired")
)

var errorCodes = []struct {
	err  error
	code int
}{
	{ErrUnauthorized, 100},
	{ErrAlreadyExists, 101},
	{ErrNotFound, 102},
	{ErrInvalidParameters, 103},
	{ErrInactiveResource, 104},
	{ErrInsufficientBalance, 105},
	{ErrInsufficientLiquidity, 106},
	{ErrRouteUnavailable, 107},
	{ErrInvalidPreimage, 108},
	{ErrSwapFinalized, 109},
	{ErrTimeoutNotReached, 110},
	{ErrEmergencyShutdownActive, 111},
	{ErrSwapExpired, 112},
}

// ErrorCode returns the stable numeric code for an aggregator error, or 0
// if err does not wrap one.
func ErrorCode(err error) int {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return 0
}

// storageErr translates storage sentinels into aggregator sentinels.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, storage.ErrAlreadyExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	default:
		return err
	}
}

// capabilityErr translates capability failures.
func capabilityErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chain.ErrUnknownCapability):
		return fmt.Errorf("%w: %s: %v", ErrNotFound, op, err)
	case errors.Is(err, chain.ErrInsufficientFunds):
		return fmt.Errorf("%w: %s: %v", ErrInsufficientBalance, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
}

// storable rejects caller-supplied values the store cannot represent.
func storable(name string, v uint64) error {
	if v > config.MaxStoredValue {
		return invalid("%s %d exceeds %d", name, v, uint64(config.MaxStoredValue))
	}
	return nil
}

// positiveAmount requires 0 < v <= MaxStoredValue.
func positiveAmount(name string, v uint64) error {
	if v == 0 {
		return invalid("%s must be positive", name)
	}
	return storable(name, v)
}
