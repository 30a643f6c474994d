package tinyhan

import "github.com/tinyhan/go-tinyhan/internal/constants"

// Re-export constants for public API
const (
	MaxNodes   = constants.MaxNodes
	MaxPayload = constants.MaxPayload
	MaxRetries = constants.MaxRetries

	TickInterval         = constants.TickInterval
	BeaconRequestTimeout = constants.BeaconRequestTimeout
	RegistrationTimeout  = constants.RegistrationTimeout
	HeartbeatGrace       = constants.HeartbeatGrace
	ListenPeriod         = constants.ListenPeriod
)
