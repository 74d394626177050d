//go:build !linux

package server

// listenBacklog is unknown outside Linux
func listenBacklog() int { return 0 }

// listenOverflows is not available outside Linux
func listenOverflows() uint64 { return 0 }
