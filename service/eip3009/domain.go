package eip3009

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps chain ids to their signing domains. The zero registry is
// empty; DefaultRegistry binds the canonical USDC contract on each supported
// chain. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	domains map[uint64]SigningDomain
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{domains: make(map[uint64]SigningDomain)}
}

// DefaultRegistry returns a registry covering the supported chains, each
// bound to its canonical USDC deployment.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	usdc := tokenInfos["USDC"]
	for chainID, contract := range usdcContracts {
		r.Register(SigningDomain{
			Name:              usdc.DomainName,
			Version:           usdc.DomainVersion,
			ChainID:           chainID,
			VerifyingContract: contract,
		})
	}
	return r
}

// Register binds a domain to its chain id, replacing any previous binding.
func (r *Registry) Register(d SigningDomain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[d.ChainID] = d
}

// DomainFor returns the signing domain for a chain id.
func (r *Registry) DomainFor(chainID uint64) (SigningDomain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[chainID]
	if !ok {
		return SigningDomain{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return d, nil
}

// DomainForToken returns the signing domain for a token symbol on a chain.
// The chain must be registered; the symbol must resolve to a deployed
// contract there. For the chain's settlement token this is identical to
// DomainFor.
func (r *Registry) DomainForToken(chainID uint64, symbol string) (SigningDomain, error) {
	if _, err := r.DomainFor(chainID); err != nil {
		return SigningDomain{}, err
	}
	info, ok := Token(symbol)
	if !ok {
		return SigningDomain{}, fmt.Errorf("%w: %s", ErrUnsupportedToken, symbol)
	}
	contract, err := ContractAddress(chainID, symbol)
	if err != nil {
		return SigningDomain{}, err
	}
	return SigningDomain{
		Name:              info.DomainName,
		Version:           info.DomainVersion,
		ChainID:           chainID,
		VerifyingContract: contract,
	}, nil
}

// Chains returns the registered chain ids in ascending order.
func (r *Registry) Chains() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.domains))
	for id := range r.domains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Supports reports whether the (chain, symbol) pair can settle through this
// registry.
func (r *Registry) Supports(chainID uint64, symbol string) bool {
	_, err := r.DomainForToken(chainID, strings.ToUpper(symbol))
	return err == nil
}
