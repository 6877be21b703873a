// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// StoreRequest caps the time allowed for a single storage round trip issued
// outside a runner loop (control surfaces, status queries).
const StoreRequest = 2 * time.Second

// Shutdown limits how long the runtime waits for in-flight applies during
// graceful shutdown.
const Shutdown = 5 * time.Second
