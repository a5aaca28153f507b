// Package utils provides shared utility helpers used across Pyrsia's
// daemon and CLI: environment-variable lookups and error-wrapping, kept
// small and dependency-free so every other package can import it safely.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
