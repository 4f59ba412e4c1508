package router

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Route names a settlement path.
type Route string

const (
	// RouteFacilitator is the first-party x402 facilitator: fee-free,
	// available only for specific chain/token pairs.
	RouteFacilitator Route = "facilitator"
	// RouteRelayer is the paid relay path used everywhere else.
	RouteRelayer Route = "relayer"
)

// Facilitator coverage today is exactly USDC on Base.
const facilitatorChainID = 8453

// Router decides which path a transfer takes and what it costs. Fees are
// pure functions of the inputs, so a quote computed before submission equals
// the fee recorded after it.
type Router struct {
	relayerRate decimal.Decimal
	serviceRate decimal.Decimal
}

// New builds a router with the given proportional relayer rate and flat
// service rate, both as fractions (0.001 means 0.1%).
func New(relayerRate, serviceRate decimal.Decimal) *Router {
	return &Router{relayerRate: relayerRate, serviceRate: serviceRate}
}

// Default returns a router with the standard rates: 0.1% relayer, 0.5%
// service.
func Default() *Router {
	return New(decimal.NewFromFloat(0.001), decimal.NewFromFloat(0.005))
}

// Classify returns the route for a (chain, token) pair.
func (r *Router) Classify(chainID uint64, token string) Route {
	if chainID == facilitatorChainID && strings.EqualFold(token, "USDC") {
		return RouteFacilitator
	}
	return RouteRelayer
}

// ComputeFee returns the total fee in smallest token units for a single
// transfer of amount over the route. Facilitator transfers are free; relayed
// transfers pay the proportional rate plus the service rate, each rounded
// down.
func (r *Router) ComputeFee(route Route, amount *big.Int) *big.Int {
	if route == RouteFacilitator || amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	d := decimal.NewFromBigInt(amount, 0)
	proportional := d.Mul(r.relayerRate).Floor()
	service := d.Mul(r.serviceRate).Floor()
	return new(big.Int).Add(proportional.BigInt(), service.BigInt())
}

// GroupQuote is a fee breakdown for one token group of a batch. Total always
// equals the sum of the per-item fees ComputeFee would report.
type GroupQuote struct {
	Route        Route
	Proportional *big.Int
	Service      *big.Int
	Total        *big.Int
}

// QuoteGroup prices a set of amounts sharing one route. Each amount is
// rounded independently so per-item accounting and the group total agree.
func (r *Router) QuoteGroup(route Route, amounts []*big.Int) GroupQuote {
	q := GroupQuote{
		Route:        route,
		Proportional: big.NewInt(0),
		Service:      big.NewInt(0),
		Total:        big.NewInt(0),
	}
	if route == RouteFacilitator {
		return q
	}
	for _, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			continue
		}
		d := decimal.NewFromBigInt(amount, 0)
		q.Proportional.Add(q.Proportional, d.Mul(r.relayerRate).Floor().BigInt())
		q.Service.Add(q.Service, d.Mul(r.serviceRate).Floor().BigInt())
	}
	q.Total.Add(q.Proportional, q.Service)
	return q
}
