package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

const (
	// ListenFdsEnvKey is the number of sockets passed by a socket-activating supervisor.
	ListenFdsEnvKey = "LISTEN_FDS"
	// ListenPidEnvKey names the process the sockets are meant for.
	ListenPidEnvKey = "LISTEN_PID"
	// listenFdsStart is the first inherited descriptor (after stdin, stdout, stderr).
	listenFdsStart = 3
)

// Listen creates a TCP listener on address with SO_REUSEADDR set.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return l, nil
}

// ParseInheritedListenerCount reads LISTEN_FDS and LISTEN_PID. It returns
// zero when no sockets were passed to this process.
func ParseInheritedListenerCount() (int, error) {
	fdsEnv := os.Getenv(ListenFdsEnvKey)
	if fdsEnv == "" {
		return 0, nil
	}

	if pidEnv := os.Getenv(ListenPidEnvKey); pidEnv != "" {
		pid, err := strconv.Atoi(pidEnv)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", ListenPidEnvKey, pidEnv, err)
		}
		if pid != os.Getpid() {
			// Meant for another process, e.g. our parent.
			return 0, nil
		}
	}

	n, err := strconv.Atoi(fdsEnv)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", ListenFdsEnvKey, fdsEnv, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid negative %s value: %d", ListenFdsEnvKey, n)
	}
	return n, nil
}

// InheritedListeners converts sockets passed by a supervisor into listeners.
// The environment variables are cleared so child processes do not see them.
func InheritedListeners() ([]net.Listener, error) {
	n, err := ParseInheritedListenerCount()
	if err != nil || n == 0 {
		return nil, err
	}
	defer os.Unsetenv(ListenFdsEnvKey)
	defer os.Unsetenv(ListenPidEnvKey)

	listeners := make([]net.Listener, 0, n)
	for fd := listenFdsStart; fd < listenFdsStart+n; fd++ {
		l, err := NewListenerFromFD(uintptr(fd))
		if err != nil {
			for _, prev := range listeners {
				prev.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// NewListenerFromFD wraps an inherited listening socket. The descriptor is
// marked close-on-exec and owned by the returned listener.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	if err := setCloexec(fd); err != nil {
		return nil, fmt.Errorf("failed to set FD_CLOEXEC on FD %d: %w", fd, err)
	}
	file := os.NewFile(fd, fmt.Sprintf("listener-from-fd-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("invalid file descriptor %d", fd)
	}
	// net.FileListener dups the descriptor.
	defer file.Close()

	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for FD %d: %w", fd, err)
	}
	return l, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
