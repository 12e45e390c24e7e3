package scheduler

import (
	"context"
	"os"
	"strings"
)

// FileGate allows firing only while path exists. It lets a standby node share
// a database with the active one; an empty path always allows.
func FileGate(path string) Gate {
	path = strings.TrimSpace(path)
	return func(context.Context) bool {
		if path == "" {
			return true
		}
		_, err := os.Stat(path)
		return err == nil
	}
}
