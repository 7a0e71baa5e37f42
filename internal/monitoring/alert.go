package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert emits an operator-facing alert. Currently log-based; the log
// pipeline turns these into pages.
func Alert(message string, labels map[string]string) {
	evt := log.Error().Str("alert", message)
	for k, v := range labels {
		evt = evt.Str(k, v)
	}
	evt.Msg("ALERT: tenant control plane issue detected")
}
