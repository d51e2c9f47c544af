//go:build !linux && !darwin

package nitra

func setCork(fd int, on bool) {}
