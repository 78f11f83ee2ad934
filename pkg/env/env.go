package env

import (
	"os"
	"strings"
)

// Prefix namespaces every variable the relay reads.
const Prefix = "HOOKRELAY_"

// Get looks up key under Prefix first, then bare, and returns fallback when
// neither is set. Platform-provided names such as PORT resolve through the
// bare lookup.
func Get(key, fallback string) string {
	bare := strings.TrimPrefix(key, Prefix)
	for _, name := range []string{Prefix + bare, bare} {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return fallback
}
