package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// SecurityLimits bounds the values a configuration file may request
type SecurityLimits struct {
	MaxConfigFileSize int64 // Maximum config file size in bytes
	MaxWorkers        int   // Maximum delivery workers
	MaxIdlePerKey     int   // Maximum idle SMTP sessions per pool key
	MaxAttempts       int   // Maximum delivery attempts per job
	MaxPathLength     int
}

// DefaultSecurityLimits returns the limits applied by Validate
func DefaultSecurityLimits() *SecurityLimits {
	return &SecurityLimits{
		MaxConfigFileSize: 1024 * 1024, // 1MB
		MaxWorkers:        1000,
		MaxIdlePerKey:     100,
		MaxAttempts:       50,
		MaxPathLength:     4096,
	}
}

// SecurityValidator checks paths, addresses and numeric bounds found in the configuration
type SecurityValidator struct {
	limits *SecurityLimits
}

// NewSecurityValidator creates a validator with the default limits
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{limits: DefaultSecurityLimits()}
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidatePath rejects traversal and over-long paths
func (sv *SecurityValidator) ValidatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("null byte in %s", fieldName)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("parent directory reference in %s: %s", fieldName, path)
		}
	}
	if len(path) > sv.limits.MaxPathLength {
		return fmt.Errorf("path too long in %s: %d characters (max %d)", fieldName, len(path), sv.limits.MaxPathLength)
	}
	return nil
}

// ValidateNumericBounds checks min <= value <= max
func (sv *SecurityValidator) ValidateNumericBounds(value int64, fieldName string, min, max int64) error {
	if value < min {
		return fmt.Errorf("value too small for %s: %d (minimum: %d)", fieldName, value, min)
	}
	if value > max {
		return fmt.Errorf("value too large for %s: %d (maximum: %d)", fieldName, value, max)
	}
	return nil
}

// ValidateListenAddress accepts host:port and :port forms
func (sv *SecurityValidator) ValidateListenAddress(addr, fieldName string) error {
	if addr == "" {
		return fmt.Errorf("listen address cannot be empty for %s", fieldName)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format for %s: %w", fieldName, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port for %s: %s", fieldName, port)
	}
	if host != "" && net.ParseIP(host) == nil && !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid host for %s: %s", fieldName, host)
	}
	return nil
}

// ValidateHostname checks RFC 1123 hostname syntax
func (sv *SecurityValidator) ValidateHostname(hostname, fieldName string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty for %s", fieldName)
	}
	if len(hostname) > 253 || !hostnameRegex.MatchString(hostname) {
		return fmt.Errorf("invalid hostname format for %s: %s", fieldName, hostname)
	}
	return nil
}

// ValidateConfigFileSize refuses oversized configuration files
func (sv *SecurityValidator) ValidateConfigFileSize(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > sv.limits.MaxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), sv.limits.MaxConfigFileSize)
	}
	return nil
}

// SanitizeString strips null bytes and control characters
func (sv *SecurityValidator) SanitizeString(str string) string {
	var result strings.Builder
	for _, r := range str {
		if r >= 32 || r == '\t' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
