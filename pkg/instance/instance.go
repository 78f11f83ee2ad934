package instance

import (
	"os"

	"github.com/angelmondragon/hookrelay/pkg/env"
)

// GetID identifies this process in logs and lock ownership. Explicit ids win,
// then the platform dyno name, then the hostname.
func GetID() string {
	for _, key := range []string{"WORKER_ID", "DYNO"} {
		if id := env.Get(key, ""); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
