package cloudfetch

import (
	"context"
	"fmt"
	"io"
	"path"
	"runtime"

	rlog "github.com/sirupsen/logrus"
)

// CFLogger is the logging surface used throughout the pipeline. It mirrors
// logrus.FieldLogger so callers may plug in their own logrus-compatible
// logger, plus the WithContext helper, which adds the statement ID
// attached by WithStatementID to log lines as a field.
type CFLogger interface {
	rlog.FieldLogger
	WithContext(ctx context.Context) *rlog.Entry
	SetOutput(output io.Writer)
	SetLogLevel(level string) error
}

type defaultLogger struct {
	*rlog.Logger
}

func callerPrettyfier(frame *runtime.Frame) (string, string) {
	return path.Base(frame.Function), fmt.Sprintf("%s:%d", path.Base(frame.File), frame.Line)
}

func (l *defaultLogger) SetLogLevel(level string) error {
	parsed, err := rlog.ParseLevel(level)
	if err != nil {
		return err
	}
	l.Level = parsed
	return nil
}

func (l *defaultLogger) WithContext(ctx context.Context) *rlog.Entry {
	entry := l.Logger.WithContext(ctx)
	if sid, ok := ctx.Value(ctxKeyStatementID).(string); ok && sid != "" {
		entry = entry.WithField("statement_id", sid)
	}
	return entry
}

// NewDefaultLogger returns a CFLogger backed by logrus with caller info and
// a text formatter, matching the driver's historical default.
func NewDefaultLogger() CFLogger {
	l := rlog.New()
	l.SetReportCaller(true)
	l.SetFormatter(&rlog.TextFormatter{CallerPrettyfier: callerPrettyfier})
	return &defaultLogger{Logger: l}
}

type ctxKey string

const ctxKeyStatementID ctxKey = "cloudfetch_statement_id"

// WithStatementID attaches a statement id to ctx so logger.WithContext can
// surface it as a structured field without plumbing it through every call.
func WithStatementID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyStatementID, id)
}

var logger CFLogger = NewDefaultLogger()

// SetLogger replaces the package-level logger used by the pipeline.
func SetLogger(l CFLogger) {
	if l != nil {
		logger = l
	}
}
