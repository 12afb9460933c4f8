//go:build linux

package transport

import (
	"golang.org/x/sys/unix"
)

// setSockOptBuffers устанавливает размеры буферов сокета
func setSockOptBuffers(fd, bufferSize int) error {
	recv, send := voiceBufferSizes(bufferSize)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recv); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, send)
}

// setSockOptReusePort включает SO_REUSEPORT: ядро распределяет входящие
// пакеты между сокетами на одном порту
func setSockOptReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// setSockOptBindToDevice привязывает сокет к интерфейсу
func setSockOptBindToDevice(fd int, device string) error {
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
}

// setSockOptVoicePriority приоритет 6 для интерактивного аудио.
// В контейнерах без CAP_NET_ADMIN может не примениться.
func setSockOptVoicePriority(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
}

// setSockOptDSCP ставит DSCP в старшие 6 бит TOS/Traffic Class.
// Семейство сокета заранее неизвестно, поэтому ошибки одного из вызовов игнорируются.
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2
	errV4 := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	errV6 := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	if errV4 != nil && errV6 != nil {
		return errV4
	}
	return nil
}
