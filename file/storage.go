package file

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrSpaceUnknown indicates the platform cannot report free space.
var ErrSpaceUnknown = errors.New("free space unknown")

// CheckSpace fails with ErrDiskFull when the volume holding dir has fewer
// than need bytes available. An unknown amount of free space passes.
func CheckSpace(dir string, need uint64) error {
	avail, err := AvailableSpace(dir)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CheckSpace",
			"dir":      dir,
			"error":    err.Error(),
		}).Debug("Skipping free space check")
		return nil
	}

	if avail < need {
		logrus.WithFields(logrus.Fields{
			"function":  "CheckSpace",
			"dir":       dir,
			"available": avail,
			"required":  need,
		}).Warn("Upload does not fit on volume")
		return fmt.Errorf("%w: %d bytes requested, %d available", ErrDiskFull, need, avail)
	}
	return nil
}
