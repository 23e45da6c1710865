package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/johnzilla/arbstr/internal/core/domain"
)

var (
	providerStyle = pterm.NewStyle(pterm.FgCyan)
	costStyle     = pterm.NewStyle(pterm.FgYellow)
	circuitStyles = map[domain.CircuitState]*pterm.Style{
		domain.CircuitClosed:   pterm.NewStyle(pterm.FgGreen),
		domain.CircuitOpen:     pterm.NewStyle(pterm.FgRed),
		domain.CircuitHalfOpen: pterm.NewStyle(pterm.FgYellow),
	}
)

// StyledLogger wraps slog.Logger with a handful of colourised convenience
// methods for the log lines the engine emits on its hot path: provider
// selection, circuit breaker transitions, and cost/latency summaries
// (spec.md §7's logging policy). Everything else just goes through the
// plain slog methods.
type StyledLogger struct {
	logger *slog.Logger
}

func NewStyledLogger(logger *slog.Logger) *StyledLogger {
	return &StyledLogger{logger: logger}
}

func (sl *StyledLogger) Debug(msg string, args ...any) { sl.logger.Debug(msg, args...) }
func (sl *StyledLogger) Info(msg string, args ...any)  { sl.logger.Info(msg, args...) }
func (sl *StyledLogger) Warn(msg string, args ...any)  { sl.logger.Warn(msg, args...) }
func (sl *StyledLogger) Error(msg string, args ...any) { sl.logger.Error(msg, args...) }

// InfoWithProvider logs msg with the provider name styled, for dispatch and
// fallback decisions.
func (sl *StyledLogger) InfoWithProvider(msg string, provider string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, providerStyle.Sprint(provider))
	sl.logger.Info(styledMsg, args...)
}

// InfoCircuitTransition logs a circuit breaker state change with the new
// state coloured by severity.
func (sl *StyledLogger) InfoCircuitTransition(provider string, next domain.CircuitState, args ...any) {
	style, ok := circuitStyles[next]
	if !ok {
		style = pterm.NewStyle(pterm.FgDefault)
	}
	styledMsg := fmt.Sprintf("circuit %s -> %s", providerStyle.Sprint(provider), style.Sprint(string(next)))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithCost logs msg with a styled cost-in-sats value, for the summary
// line UF emits once a request's authoritative cost is known.
func (sl *StyledLogger) InfoWithCost(msg string, costSats float64, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, costStyle.Sprint(fmt.Sprintf("%.2f sats", costSats)))
	sl.logger.Info(styledMsg, args...)
}

// GetUnderlying returns the underlying slog.Logger for call sites that don't
// need styling.
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithAttrs creates a new StyledLogger with additional structured attributes.
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}
	return &StyledLogger{logger: sl.logger.With(args...)}
}

// With creates a new StyledLogger with additional key-value pairs.
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{logger: sl.logger.With(args...)}
}

// NewWithTheme creates both a regular logger and a styled logger, keeping
// the teacher's factory-pair shape even though there is no longer a
// separate theme type to select.
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return logger, NewStyledLogger(logger), cleanup, nil
}
