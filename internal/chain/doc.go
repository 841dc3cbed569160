// Package chain provides the JSON-RPC access layer for the BNB Smart Chain
// node. It exposes exactly the calls the settlement path needs (balance,
// gas price, nonce, gas estimation, eth_call simulation and raw transaction
// broadcast) with per-call timeouts and a strict split between transport
// failures and JSON-RPC protocol errors. Retry policy lives with the
// callers; this layer never retries.
package chain
