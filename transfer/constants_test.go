package transfer

import "time"

// Test timing constants.
const (
	testWait         = 2 * time.Second
	testShortTimeout = 250 * time.Millisecond
	testLongTimeout  = 2 * time.Second
)
