//go:build darwin

package transport

import (
	"golang.org/x/sys/unix"
)

func setSockOptBuffers(fd, bufferSize int) error {
	recv, send := voiceBufferSizes(bufferSize)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recv); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, send)
}

// setSockOptReusePort на macOS SO_REUSEADDR обязателен, SO_REUSEPORT есть с 10.10
func setSockOptReusePort(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// setSockOptBindToDevice на macOS нет SO_BINDTODEVICE, интерфейс выбирается адресом bind
func setSockOptBindToDevice(fd int, device string) error {
	return nil
}

func setSockOptVoicePriority(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}

func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2
	errV4 := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	errV6 := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	if errV4 != nil && errV6 != nil {
		return errV4
	}
	return nil
}
