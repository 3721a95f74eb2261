// Package logx provides component-scoped logging with context-aware debug logging.
// Output goes through a shared zap core: console encoding on a terminal, JSON otherwise.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Format selects the zap encoder.
type Format string

const (
	FormatAuto    Format = "auto"
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Options configures the shared logging core.
type Options struct {
	Output io.Writer // nil means os.Stderr
	Level  string    // debug, info, warn, error
	Format Format
}

// DebugConfig controls domain-filtered debug logging.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil = all domains
}

type ctxKey struct{}

var (
	baseMu sync.RWMutex
	base   *zap.Logger

	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex
)

func init() { //nolint:gochecknoinits // env-driven debug config and a usable default core
	initDebugFromEnv()
	if err := Configure(Options{}); err != nil {
		base = zap.NewNop()
	}
}

// initDebugFromEnv reads DEBUG and DEBUG_DOMAINS.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	// DEBUG_DOMAINS=pipeline,debugcycle
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

// Configure rebuilds the shared core. Loggers created before the call pick up
// the new core on their next write.
func Configure(opts Options) error {
	core, err := newCore(opts)
	if err != nil {
		return err
	}
	baseMu.Lock()
	base = zap.New(core)
	baseMu.Unlock()
	return nil
}

func newCore(opts Options) (zapcore.Core, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	if IsDebugEnabled() {
		level = zapcore.DebugLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		LevelKey:      "level",
		NameKey:       "component",
		MessageKey:    "message",
		StacktraceKey: "",
		EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeName:    zapcore.FullNameEncoder,
	}

	var encoder zapcore.Encoder
	switch resolveFormat(opts.Format, out) {
	case FormatConsole:
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(out), level), nil
}

func resolveFormat(f Format, out io.Writer) Format {
	switch f {
	case FormatConsole, FormatJSON:
		return f
	}
	if file, ok := out.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		return FormatConsole
	}
	return FormatJSON
}

func current() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Sync flushes buffered log output.
func Sync() {
	_ = current().Sync()
}

// Logger writes printf-style entries tagged with a component name and fixed fields.
type Logger struct {
	component string
	fields    []any
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// With returns a logger carrying an extra structured field.
func (l *Logger) With(key string, value any) *Logger {
	fields := make([]any, 0, len(l.fields)+2)
	fields = append(fields, l.fields...)
	fields = append(fields, key, value)
	return &Logger{component: l.component, fields: fields}
}

func (l *Logger) GetComponent() string {
	return l.component
}

func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component, fields: l.fields}
}

func (l *Logger) sugar() *zap.SugaredLogger {
	return current().Named(l.component).Sugar().With(l.fields...)
}

func (l *Logger) Debug(format string, args ...any) {
	l.sugar().Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.sugar().Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.sugar().Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.sugar().Errorf(format, args...)
}

// DebugState logs a state transition.
func (l *Logger) DebugState(action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	l.Debug("State %s: %s%s", action, state, extraInfo)
}

// SetDebugDomains configures which domains should have debug logging enabled.
func SetDebugDomains(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// ContextWithRunID tags ctx so domain debug lines carry the run id.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, runID)
}

// RunIDFromContext returns the run id stored by ContextWithRunID.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Debug logs a debug message with context and domain filtering.
//
//	DEBUG=1                                   # all domains
//	DEBUG=1 DEBUG_DOMAINS=pipeline,debugcycle # selected domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	sugar := current().Named(domain).Sugar()
	if runID := RunIDFromContext(ctx); runID != "" {
		sugar = sugar.With("run_id", runID)
	}
	sugar.Debugf(format, args...)
}

// DebugState logs state transition information with context and domain.
func DebugState(ctx context.Context, domain, action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	Debug(ctx, domain, "State %s: %s%s", action, state, extraInfo)
}

// DebugFlow logs workflow step information with context and domain.
func DebugFlow(ctx context.Context, domain, step, status string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	Debug(ctx, domain, "Flow %s: %s%s", step, status, extraInfo)
}

var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
