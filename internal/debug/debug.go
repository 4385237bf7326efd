// Package debug gates verbose logging behind CHATSYNC_DEBUG=1.
package debug

import (
	"log"
	"os"
	"strings"
)

var enabled = strings.EqualFold(os.Getenv("CHATSYNC_DEBUG"), "1")

// Enabled reports whether verbose logging is on.
func Enabled() bool {
	return enabled
}

// Logf logs only when debugging is enabled.
func Logf(format string, args ...interface{}) {
	if enabled {
		log.Printf(format, args...)
	}
}
