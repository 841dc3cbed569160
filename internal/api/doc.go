// Package api exposes the REST interface for opening custodial buy
// orders, querying their settlement state, building self-service swap
// and approve intents, and listing the supported LST whitelist.
package api
