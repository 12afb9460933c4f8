//go:build !linux && !darwin

package transport

// На остальных платформах сокет используется с настройками системы

func setSockOptBuffers(fd, bufferSize int) error { return nil }

func setSockOptReusePort(fd int) error { return nil }

func setSockOptBindToDevice(fd int, device string) error { return nil }

func setSockOptVoicePriority(fd int) {}

func setSockOptDSCP(fd, dscp int) error { return nil }
