// Package config loads and validates the JSON configuration consumed by
// the lstagentd daemon: API server address, order storage backend, event
// queue driver, chain endpoint, settlement parameters, and logging.
package config
