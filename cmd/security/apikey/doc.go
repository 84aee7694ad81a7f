// Package apikey provides API key generation and hashing for courier.
//
// It is the single source of truth for how API keys are stored.
//
// Behavior:
// - Default dev mode: SHA-256(key) when no HMAC key is configured.
// - Production mode: HMAC-SHA256(key, secret) when COURIER_APIKEY_HMAC_KEY is set.
// - Stable 64-char hex output, compared in constant time.
package apikey
