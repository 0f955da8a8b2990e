package transport

import "time"

// Test network configuration constants.
const (
	testLoopback    = "127.0.0.1:0"
	testMaxPayload  = 65464
	testWaitTimeout = 2 * time.Second
)
