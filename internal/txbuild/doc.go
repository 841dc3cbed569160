// Package txbuild contains the pure construction helpers for everything the
// agent puts on the wire: ABI selectors and argument encoding for the
// PancakeSwap v2 router and ERC-20 calls, legacy transaction envelopes,
// EIP-681 payment/call URIs, and the numeric parsing rules for user supplied
// amounts. Nothing in this package performs I/O.
package txbuild
