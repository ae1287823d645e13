package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates an opaque unique identifier for tasks, dependencies,
// constellations, sessions, rounds and devices.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// NowSeconds returns the current time as seconds since epoch, the unit
// spec.md §3 specifies for TaskStar/Device timestamps.
func NowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
