// Command fostrom-test-conn is a standalone diagnostic tool: it dials the
// production Moonlight endpoint, completes the TLS handshake, sends a
// client-initiated CloseConnection frame, and waits for the server's close
// acknowledgement. It prints a line-oriented report of each stage and its
// timing, then exits 0 on success or 1 on any failure — useful for verifying
// network/firewall/DNS reachability from a device without touching its
// stored credentials.
package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/fostrom-dev/fostrom-agent/internal/moonlight"
)

const (
	totalWaitForServerClose = 5 * time.Second
	readTimeout             = 250 * time.Millisecond
	dialTimeout             = 10 * time.Second
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	err := runInner()

	status := "OK"
	if err != nil {
		status = "FAILED"
		fmt.Println("failed: test-conn")
		fmt.Printf("error: %v\n", err)
	}

	code := 0
	if err != nil {
		code = 1
	}
	fmt.Printf("summary: status=%s exit_code=%d total_elapsed_ms=%d\n", status, code, time.Since(start).Milliseconds())
	return code
}

func runInner() error {
	fmt.Printf("test-conn: target=%s:%d\n", moonlight.ProductionHost, moonlight.ProductionPort)
	fmt.Printf("env: version=%s os=%s arch=%s\n", version, runtime.GOOS, runtime.GOARCH)

	dnsStart := time.Now()
	addrs, err := net.LookupHost(moonlight.ProductionHost)
	if err != nil {
		return fmt.Errorf("dns_lookup_failed: %w", err)
	}
	fmt.Printf("dns: ok elapsed_ms=%d addrs=%v\n", time.Since(dnsStart).Milliseconds(), addrs)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	dialStart := time.Now()
	cfg := moonlight.TransportConfig{Mode: moonlight.ConnectModeProd}
	conn, err := moonlight.DialRaw(ctx, cfg)
	if err != nil {
		return fmt.Errorf("tls_open_failed: %w", err)
	}
	defer conn.Close()
	fmt.Printf("tcp: connect_ms=%d\n", time.Since(dialStart).Milliseconds())
	fmt.Printf("tcp: read_timeout_ms=%d\n", readTimeout.Milliseconds())

	if local := conn.LocalAddr(); local != nil {
		fmt.Printf("tcp: local_addr=%s\n", local)
	}
	if peer := conn.RemoteAddr(); peer != nil {
		fmt.Printf("tcp: peer_addr=%s\n", peer)
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		printTLSDetails(tlsConn)
	}

	closeBytes, err := moonlight.Encode(moonlight.CloseConnection{ServerInitiated: false})
	if err != nil {
		return fmt.Errorf("encode_close_connection_failed: %w", err)
	}

	writeStart := time.Now()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(closeBytes); err != nil {
		return fmt.Errorf("write_close_connection_failed: %w", err)
	}
	fmt.Printf("moonlight: sent_close ok bytes=%d elapsed_ms=%d\n", len(closeBytes), time.Since(writeStart).Milliseconds())

	waitStart := time.Now()
	fmt.Printf("moonlight: waiting_close_ack timeout_ms=%d\n", totalWaitForServerClose.Milliseconds())
	if err := waitForServerClose(conn, totalWaitForServerClose); err != nil {
		return fmt.Errorf("wait_for_server_close_failed: %w", err)
	}
	fmt.Printf("moonlight: recv_close_ack ok waited_ms=%d\n", time.Since(waitStart).Milliseconds())
	return nil
}

func waitForServerClose(conn net.Conn, totalTimeout time.Duration) error {
	expected := []byte{1, 1}

	deadline := time.Now().Add(totalTimeout)
	var received []byte
	reads := 0
	totalRead := 0

	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		buf := make([]byte, 8192)
		n, err := conn.Read(buf)
		if n > 0 {
			reads++
			totalRead += n
			fmt.Printf("moonlight: rx bytes=%d total_bytes=%d reads=%d\n", n, totalRead, reads)
			received = append(received, buf[:n]...)

			if len(received) == len(expected) {
				if string(received) == string(expected) {
					return nil
				}
				return fmt.Errorf("unexpected_close_ack_bytes: expected=%v received=%v", expected, received)
			}
			if len(received) > len(expected) {
				return fmt.Errorf("unexpected_extra_bytes_waiting_for_close_ack: expected=%v received=%v", expected, received)
			}
			continue
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err.Error() == "EOF" {
				return fmt.Errorf("server_closed_connection_without_close_ack: expected=%v received=%v read_bytes=%d reads=%d", expected, received, totalRead, reads)
			}
			return fmt.Errorf("read_failed: %w", err)
		}
	}

	return fmt.Errorf("timeout_waiting_for_close_ack: timeout_ms=%d expected=%v received=%v read_bytes=%d reads=%d",
		totalTimeout.Milliseconds(), expected, received, totalRead, reads)
}

func printTLSDetails(conn *tls.Conn) {
	state := conn.ConnectionState()

	switch state.Version {
	case tls.VersionTLS13:
		fmt.Println("tls: protocol=TLS1.3")
	case tls.VersionTLS12:
		fmt.Println("tls: protocol=TLS1.2")
	default:
		fmt.Printf("tls: protocol=0x%04x\n", state.Version)
	}

	fmt.Printf("tls: cipher_suite=%s\n", tls.CipherSuiteName(state.CipherSuite))

	if state.NegotiatedProtocol != "" {
		fmt.Printf("tls: alpn=%s\n", state.NegotiatedProtocol)
	} else {
		fmt.Println("tls: alpn=none")
	}

	if len(state.PeerCertificates) == 0 {
		fmt.Println("tls: peer_certs=none")
		return
	}
	fmt.Printf("tls: peer_certs_count=%d\n", len(state.PeerCertificates))
	for i, cert := range state.PeerCertificates {
		fp := sha256.Sum256(cert.Raw)
		fmt.Printf("tls: peer_cert_sha256[%d]=%x\n", i, fp)
	}
}
