//go:build windows

package iox

// Directory handles cannot be fsynced on windows.
func isSyncUnsupported(error) bool { return true }
