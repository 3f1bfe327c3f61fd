package webhook

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes activated sockets starting at fd 3
// (0=stdin, 1=stdout, 2=stderr).
const firstActivationFD = 3

// listener returns the socket handed over by systemd socket activation
// when the process was started that way, otherwise it binds addr. The
// second return value reports whether the socket was activated.
func listener(addr string) (net.Listener, bool, error) {
	ln, err := activationListener()
	if err != nil {
		return nil, false, err
	}
	if ln != nil {
		return ln, true, nil
	}

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// activationListener checks LISTEN_PID/LISTEN_FDS for a systemd-activated
// socket addressed to this process. Returns nil without error when no
// activation is present.
func activationListener() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Socket activation is for a different process
		return nil, nil
	}

	numFDs, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", os.Getenv("LISTEN_FDS"), err)
	}
	if numFDs < 1 {
		return nil, nil
	}
	if numFDs > 1 {
		return nil, fmt.Errorf("expected a single activated socket, got %d", numFDs)
	}

	file := os.NewFile(uintptr(firstActivationFD), "systemd-socket")
	if file == nil {
		return nil, fmt.Errorf("failed to open activated socket fd %d", firstActivationFD)
	}

	ln, err := net.FileListener(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", firstActivationFD, err)
	}
	// The listener duplicated the descriptor, close ours.
	_ = file.Close()

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return ln, nil
}
