package app

import (
	"errors"

	"courier/cmd/security/apikey"
)

// minAPIKeyHMACBytes is the shortest accepted HMAC-SHA256 secret under the strict policy.
const minAPIKeyHMACBytes = 32

// NewKeyHasher builds the API key hasher and enforces the startup security policy.
//
// With RequireAPIKeyHMAC set, a missing or short COURIER_APIKEY_HMAC_KEY fails startup instead of
// falling back to plain SHA-256.
func NewKeyHasher(cfg Config) (apikey.Hasher, error) {
	h, err := apikey.HasherFromEnv(cfg.RequireAPIKeyHMAC, minAPIKeyHMACBytes)
	if err == nil {
		if cfg.RequireAPIKeyHMAC && !h.HMAC() {
			return apikey.Hasher{}, errors.New("security policy: COURIER_REQUIRE_APIKEY_HMAC=true but the key hasher is not in HMAC mode")
		}
		return h, nil
	}

	switch {
	case errors.Is(err, apikey.ErrHMACKeyMissing):
		return apikey.Hasher{}, errors.New("security policy: COURIER_REQUIRE_APIKEY_HMAC=true but COURIER_APIKEY_HMAC_KEY is missing")
	case errors.Is(err, apikey.ErrHMACKeyTooShort):
		return apikey.Hasher{}, errors.New("security policy: COURIER_APIKEY_HMAC_KEY is too short (min 32 bytes)")
	default:
		return apikey.Hasher{}, err
	}
}
