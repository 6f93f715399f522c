package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// ActionableError represents an error with user-friendly guidance.
type ActionableError struct {
	What  string // What failed (short summary)
	Cause error  // Technical error details
	Fix   string // Actionable guidance
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("%s: %v", e.What, e.Cause)
}

// Format returns the full actionable error message for display.
func (e *ActionableError) Format() string {
	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.What)
	sb.WriteString("\nCause: ")
	sb.WriteString(e.Cause.Error())
	sb.WriteString("\nFix:   ")
	sb.WriteString(e.Fix)
	return sb.String()
}

// printError prints an actionable error to stderr and exits.
func printError(what string, cause error, fix string) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Error:", what)
	fmt.Fprintln(os.Stderr, "Cause:", cause)
	fmt.Fprintln(os.Stderr, "Fix:  ", fix)
	fmt.Fprintln(os.Stderr)
	os.Exit(1)
}

// portInUseFix returns OS-specific instructions for freeing a port.
func portInUseFix(baseAddr string, attempts int) string {
	port := baseAddr
	if idx := strings.LastIndex(baseAddr, ":"); idx != -1 {
		port = baseAddr[idx+1:]
	}

	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       netstat -ano | findstr :%s
       taskkill /PID <pid> /F

       Or use a different port:
       snitcher -listen localhost:9100`, port, portNum(port)+attempts-1, port)

	case "darwin":
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       lsof -i :%s
       kill <pid>

       Or use a different port:
       snitcher -listen localhost:9100`, port, portNum(port)+attempts-1, port)

	default: // linux and others
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       ss -tlnp | grep :%s
       # or: lsof -i :%s
       kill <pid>

       Or use a different port:
       snitcher -listen localhost:9100`, port, portNum(port)+attempts-1, port, port)
	}
}

// portNum converts port string to int, returns 0 on error.
func portNum(port string) int {
	var n int
	_, _ = fmt.Sscanf(port, "%d", &n)
	return n
}

// caCorruptFix returns instructions for regenerating the CA certificate.
func caCorruptFix(caPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`The CA certificate appears corrupted. Delete and restart snitcher
       to regenerate it:
       del /Q "%s"`, caPath)

	default:
		return fmt.Sprintf(`The CA certificate appears corrupted. Delete and restart snitcher
       to regenerate it:
       rm -f "%s"`, caPath)
	}
}

// caPermissionFix returns instructions for fixing CA file permissions.
func caPermissionFix(certDir string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Cannot write to certificate directory. Check permissions:
       icacls "%s"

       Or run as Administrator`, certDir)

	default:
		return fmt.Sprintf(`Cannot write to certificate directory. Fix permissions:
       chmod 700 "%s"
       chown $USER "%s"`, certDir, certDir)
	}
}

// configLoadFix returns instructions for fixing config loading issues.
func configLoadFix(configPath string) string {
	if configPath == "" {
		switch runtime.GOOS {
		case "windows":
			return `Config file not found or invalid. Create one:
       snitcher -listen localhost:9090

       Or check the default location:
       %APPDATA%\snitcher\config.yaml`

		default:
			return `Config file not found or invalid. Create one:
       snitcher -listen localhost:9090

       Or check the default location:
       ~/.config/snitcher/config.yaml`
		}
	}
	return fmt.Sprintf(`Config file not found or invalid:
       %s

       Check the file exists and contains valid YAML.
       See 'snitcher --help' for configuration options.`, configPath)
}

// isPermissionError checks if an error is permission-related.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "access is denied") ||
		strings.Contains(errStr, "Access is denied")
}

// isCorruptCert checks if an error indicates a corrupted certificate.
func isCorruptCert(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "failed to decode") ||
		strings.Contains(errStr, "parsing CA certificate") ||
		strings.Contains(errStr, "parsing CA private key") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "invalid")
}
