// failsafe/errors.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import "errors"

var (
	ErrEngineNotRunning      = errors.New("Engine not running")
	ErrGlideSpeedOutOfBounds = errors.New("Glide speed out of bounds")
	ErrNoPosition            = errors.New("No position estimate")
	ErrReframe               = errors.New("Unable to reframe location")
	ErrVibeThresholdTooLow   = errors.New("Vibration threshold too low")
)
