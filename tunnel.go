package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// tunnelSpec maps one local forward port to a remote broker endpoint. The
// local port is the only mutable part: the recovery path rewrites it when the
// port turns out to be taken.
type tunnelSpec struct {
	LocalPort  int
	RemoteHost string
	RemotePort int
}

func (s tunnelSpec) remoteAddr() string {
	return net.JoinHostPort(s.RemoteHost, strconv.Itoa(s.RemotePort))
}

// addrInUseError reports a local listen port that was already bound by
// another process at tunnel-open time.
type addrInUseError struct {
	Port int
}

func (e *addrInUseError) Error() string {
	return fmt.Sprintf("local port %d already in use", e.Port)
}

// gatewayConfig identifies the SSH host the tunnel runs through. Hostname is
// the dial address and falls back to Name when empty, so operators can keep
// using their ssh alias names.
type gatewayConfig struct {
	Name         string
	User         string
	Hostname     string
	IdentityFile string
}

func (g gatewayConfig) address() string {
	host := g.Hostname
	if host == "" {
		host = g.Name
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		return net.JoinHostPort(host, "22")
	}
	return host
}

// tunnelOpener opens a set of local port forwards through a gateway. A local
// port collision surfaces as *addrInUseError naming the exact port.
type tunnelOpener interface {
	open(gw gatewayConfig, specs []tunnelSpec) (io.Closer, error)
}

type sshTunnelOpener struct{}

func (sshTunnelOpener) open(gw gatewayConfig, specs []tunnelSpec) (io.Closer, error) {
	cfg := &ssh.ClientConfig{
		User:            gw.User,
		Auth:            gatewayAuthMethods(gw),
		HostKeyCallback: hostKeyCallback(),
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", gw.address(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway %s err=%v", gw.address(), err)
	}

	// Listeners already opened are torn down with the client whenever a later
	// one fails, so a retry starts from a clean slate.
	t := &sshTunnel{client: client}
	for _, spec := range specs {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.LocalPort))
		if err != nil {
			logClose("ssh tunnel", t)
			if errors.Is(err, syscall.EADDRINUSE) {
				return nil, &addrInUseError{Port: spec.LocalPort}
			}
			return nil, fmt.Errorf("failed to listen on local port %d err=%v", spec.LocalPort, err)
		}
		t.listeners = append(t.listeners, l)
		go t.forward(l, spec.remoteAddr())
	}
	return t, nil
}

func gatewayAuthMethods(gw gatewayConfig) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if gw.IdentityFile != "" {
		if signer, err := loadIdentityFile(gw.IdentityFile); err != nil {
			warnf("failed to load identity file %s err=%v\n", gw.IdentityFile, err)
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	return methods
}

func loadIdentityFile(fn string) (ssh.Signer, error) {
	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}

func hostKeyCallback() ssh.HostKeyCallback {
	if home, err := os.UserHomeDir(); err == nil {
		fn := filepath.Join(home, ".ssh", "known_hosts")
		if cb, err := knownhosts.New(fn); err == nil {
			return cb
		}
	}
	warnf("no usable known_hosts file, gateway host key will not be verified\n")
	return ssh.InsecureIgnoreHostKey()
}

// sshTunnel is a live set of port forwards. Closing it stops the listeners
// first so no new connection can outlive the SSH client.
type sshTunnel struct {
	client    *ssh.Client
	listeners []net.Listener
}

func (t *sshTunnel) Close() error {
	var firstErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (t *sshTunnel) forward(l net.Listener, remote string) {
	for {
		local, err := l.Accept()
		if err != nil {
			return
		}
		go t.pipe(local, remote)
	}
}

func (t *sshTunnel) pipe(local net.Conn, remote string) {
	defer logClose("tunnel local conn", local)
	upstream, err := t.client.Dial("tcp", remote)
	if err != nil {
		warnf("tunnel dial %s failed err=%v\n", remote, err)
		return
	}
	defer logClose("tunnel upstream conn", upstream)

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, local); done <- struct{}{} }()
	go func() { io.Copy(local, upstream); done <- struct{}{} }()
	<-done
}

// buildTunnelSpecs assigns one local forward port per broker endpoint and
// returns the broker list rewritten to point at those ports. The remote port
// doubles as the local port unless an earlier entry took it already.
func buildTunnelSpecs(brokers []string, allocate func() (int, error)) ([]tunnelSpec, []string, error) {
	specs := make([]tunnelSpec, 0, len(brokers))
	rewritten := make([]string, 0, len(brokers))
	used := map[int]bool{}
	for _, b := range brokers {
		host, portStr, err := net.SplitHostPort(b)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid broker address %q err=%v", b, err)
		}
		remotePort, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid broker port %q err=%v", portStr, err)
		}

		localPort := remotePort
		if used[localPort] {
			if localPort, err = allocate(); err != nil {
				return nil, nil, fmt.Errorf("failed to find open port err=%v", err)
			}
		}
		used[localPort] = true

		specs = append(specs, tunnelSpec{LocalPort: localPort, RemoteHost: host, RemotePort: remotePort})
		rewritten = append(rewritten, fmt.Sprintf("localhost:%d", localPort))
	}
	return specs, rewritten, nil
}

// reassignPort rewrites every broker entry on localhost:<from> and every
// tunnel spec bound to <from> to use <to>. The mapping moves wholesale:
// nothing stays behind on the old port.
func reassignPort(brokers []string, specs []tunnelSpec, from, to int) {
	old := fmt.Sprintf("localhost:%d", from)
	for i, b := range brokers {
		if b == old {
			brokers[i] = fmt.Sprintf("localhost:%d", to)
		}
	}
	for i := range specs {
		if specs[i].LocalPort == from {
			specs[i].LocalPort = to
		}
	}
}

// findOpenPort asks the kernel for a currently free TCP port. The listener
// is closed again before returning, so another process can still win the
// port; the conflict retry absorbs that race.
func findOpenPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
