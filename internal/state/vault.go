package state

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Vault holds the currency staked into markets until it is paid back out
type Vault struct {
	mu      sync.RWMutex
	escrow  map[common.Address]uint256.Int // market -> funds held
	paid    map[common.Address]uint256.Int // account -> total received
	version uint64
}

// NewVault creates an empty vault
func NewVault() *Vault {
	return &Vault{
		escrow: make(map[common.Address]uint256.Int),
		paid:   make(map[common.Address]uint256.Int),
	}
}

// Deposit adds stake to a market's escrow
func (v *Vault) Deposit(market common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.escrow[market]
	if _, overflow := held.AddOverflow(&held, amount); overflow {
		return ErrEscrowOverflow
	}
	v.escrow[market] = held
	v.version++
	return nil
}

// Withdraw takes back a deposit whose purchase was not committed
func (v *Vault) Withdraw(market common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.escrow[market]
	if held.Lt(amount) {
		return ErrInsufficientEscrow
	}
	held.Sub(&held, amount)
	v.escrow[market] = held
	v.version++
	return nil
}

// Release pays amount from a market's escrow to an account
func (v *Vault) Release(market, account common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.escrow[market]
	if held.Lt(amount) {
		return ErrInsufficientEscrow
	}
	held.Sub(&held, amount)
	v.escrow[market] = held

	received := v.paid[account]
	received.Add(&received, amount)
	v.paid[account] = received
	v.version++
	return nil
}

// Reclaim reverses a Release whose claim was not committed
func (v *Vault) Reclaim(market, account common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	received := v.paid[account]
	if received.Lt(amount) {
		return ErrInsufficientEscrow
	}
	held := v.escrow[market]
	if _, overflow := held.AddOverflow(&held, amount); overflow {
		return ErrEscrowOverflow
	}
	received.Sub(&received, amount)
	v.escrow[market] = held
	v.paid[account] = received
	v.version++
	return nil
}

// Escrow returns the funds currently held for a market. Once every winner
// has claimed, what remains is truncation dust.
func (v *Vault) Escrow(market common.Address) uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.escrow[market]
}

// Paid returns the total an account has received from all markets
func (v *Vault) Paid(account common.Address) uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.paid[account]
}

// Version increases with every balance change
func (v *Vault) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Reset replaces all balances, used when rebuilding from a journal
func (v *Vault) Reset(escrow, paid map[common.Address]uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.escrow = make(map[common.Address]uint256.Int, len(escrow))
	for k, amt := range escrow {
		v.escrow[k] = amt
	}
	v.paid = make(map[common.Address]uint256.Int, len(paid))
	for k, amt := range paid {
		v.paid[k] = amt
	}
	v.version++
}

// Errors
type VaultError string

func (e VaultError) Error() string {
	return string(e)
}

const (
	ErrInsufficientEscrow VaultError = "insufficient escrow"
	ErrEscrowOverflow     VaultError = "escrow overflow"
)
