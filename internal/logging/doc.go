// Package logging builds the slog loggers used across loanshelf and the
// attribute helpers that keep log fields consistent between components.
package logging
