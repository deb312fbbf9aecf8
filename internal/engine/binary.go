package engine

import "runtime"

// BinaryName returns the dedicated-server executable filename inside an
// installed engine directory for the current platform.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "spring-dedicated.exe"
	}
	return "spring-dedicated"
}

// Platform returns the CDN category for the current platform.
func Platform() string {
	if runtime.GOOS == "windows" {
		return "engine_windows64"
	}
	return "engine_linux64"
}
