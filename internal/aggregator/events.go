package aggregator

import "fmt"

// Event types.
const (
	EventProtocolInitialized = "protocol_initialized"
	EventParamsUpdated       = "params_updated"
	EventEmergencyShutdown   = "emergency_shutdown"
	EventFeesClaimed         = "protocol_fees_claimed"

	EventChainRegistered  = "chain_registered"
	EventChainStatus      = "chain_status_changed"
	EventPoolRegistered   = "pool_registered"
	EventPoolStatus       = "pool_status_changed"
	EventPoolFee          = "pool_fee_changed"
	EventTokenMapped      = "token_mapped"
	EventOracleRegistered = "oracle_registered"
	EventPriceUpdated     = "price_updated"

	EventRelayerAuthorized = "relayer_authorized"
	EventRelayerStaked     = "relayer_staked"
	EventRelayerUnstaked   = "relayer_unstaked"

	EventLiquidityAdded   = "liquidity_added"
	EventLiquidityRemoved = "liquidity_removed"

	EventRouteFound     = "route_found"
	EventSwapInitiated  = "swap_initiated"
	EventSwapExecuted   = "swap_executed"
	EventSwapRefunded   = "swap_refunded"
	EventSwapRefundable = "swap_refundable"
)

// Event subjects.
func chainSubject(chainID string) string { return "chain:" + chainID }
func poolSubject(chainID, token string) string { return "pool:" + chainID + "/" + token }
func relayerSubject(principal string) string { return "relayer:" + principal }
func routeSubject(routeID uint64) string { return fmt.Sprintf("route:%d", routeID) }
func protocolSubject() string { return "protocol" }

// SwapSubject returns the event subject for a swap.
func SwapSubject(swapID uint64) string { return fmt.Sprintf("swap:%d", swapID) }
