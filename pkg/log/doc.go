// Package log provides the process-wide zerolog logger used by every other
// package in this module. Call Init once at process startup; everything
// else pulls a scoped logger via WithComponent, WithWorkload, or
// WithContainer.
package log
