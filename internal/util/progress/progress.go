// Package progress wraps progressbar updates for the CLI wait loop.
package progress

import (
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Add advances the bar by n resolved records. A nil bar or zero delta is a
// no-op, and a rendering failure never interrupts the wait loop.
func Add(bar *progressbar.ProgressBar, n int) {
	if bar == nil || n == 0 {
		return
	}

	if err := bar.Add(n); err != nil {
		logrus.WithError(err).Debug("progress bar update failed")
	}
}
