package syncclient

import (
	"fmt"
	"net/url"
)

// apiVersion is the sync protocol path segment this client speaks.
const apiVersion = "1.0"

// deriveSocketURL validates address (an absolute http(s) URL) and
// derives the ws(s):// sync endpoint, per §6 and the Open Question
// decision recorded in DESIGN.md: the input's own path is discarded
// beyond host — the sync path is always exactly
// "/api/<version>/sync" — and a trailing slash on the input is
// tolerated.
func deriveSocketURL(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	var scheme string
	switch u.Scheme {
	case "http":
		scheme = "ws"
	case "https":
		scheme = "wss"
	default:
		return "", fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidURL, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	out := url.URL{
		Scheme: scheme,
		Host:   u.Host,
		Path:   "/api/" + apiVersion + "/sync",
	}
	return out.String(), nil
}
