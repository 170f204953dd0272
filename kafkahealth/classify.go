package kafkahealth

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Detail values attached to failures in logs and reachability reports.
const (
	DetailOK                = "ok"
	DetailTimeout           = "timeout"
	DetailConnectionRefused = "connection_refused"
	DetailDNSError          = "dns_error"
	DetailTLSError          = "tls_error"
	DetailProcessingError   = "processing_error"
	DetailNotFound          = "not_found"
	DetailError             = "error"
)

// classifyError reduces an error to a short detail string.
// The chain is:
// 1. typed errors of this package
// 2. sentinel errors
// 3. platform error detection
// 4. fallback → error
func classifyError(err error) string {
	if err == nil {
		return DetailOK
	}

	// 1. Processing failures win over whatever transport error they wrap.
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return DetailProcessingError
	}

	// 2. Sentinel errors.
	if errors.Is(err, ErrMetricNotFound) {
		return DetailNotFound
	}
	if errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return DetailTimeout
	}

	// 3. Platform error detection.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DetailDNSError
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if isSyscallConnectionRefused(opErr.Err) {
			return DetailConnectionRefused
		}
		if opErr.Timeout() {
			return DetailTimeout
		}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return DetailConnectionRefused
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) || isTLSError(err) {
		return DetailTLSError
	}

	// 4. Fallback.
	return DetailError
}

// isSyscallConnectionRefused checks if the error is ECONNREFUSED.
func isSyscallConnectionRefused(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNREFUSED
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// isTLSError checks if the error message indicates a TLS error.
func isTLSError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "tls:") ||
		strings.Contains(msg, "x509:") ||
		strings.Contains(msg, "certificate")
}
