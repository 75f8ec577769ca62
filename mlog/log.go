// Package mlog provides logging on top of log/slog, with log levels
// configurable per package and extra levels for tracing protocol traffic.
//
// Each log level has a function to log with and without error. Variable data
// should be in attributes. Logging strings themselves should be constant, for
// easier log processing (e.g. building metrics based on log messages).
//
// The log levels can be configured per originating package, e.g. smtpclient,
// delivery. The configuration is application-global, so each Log instance uses
// the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enables logfmt output instead of the more human-readable default.
var Logfmt bool

// Levels in addition to those of slog. Trace levels are lower (more verbose) than
// debug.
const (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelPrint     = slog.LevelInfo + 1 // Printed regardless of configured log level.
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configured log level.
)

// LevelStrings maps levels to their configuration string.
var LevelStrings = map[slog.Level]string{
	LevelTracedata: "tracedata",
	LevelTraceauth: "traceauth",
	LevelTrace:     "trace",
	LevelDebug:     "debug",
	LevelInfo:      "info",
	LevelPrint:     "print",
	LevelError:     "error",
	LevelFatal:     "fatal",
}

// Levels maps configuration strings to levels.
var Levels = map[string]slog.Level{
	"tracedata": LevelTracedata,
	"traceauth": LevelTraceauth,
	"trace":     LevelTrace,
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"print":     LevelPrint,
	"error":     LevelError,
	"fatal":     LevelFatal,
}

// Holds a map[string]slog.Level, mapping a package (attribute pkg in logs) to a
// log level. The empty string is the default/fallback log level.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

// Config returns the current log levels.
func Config() map[string]slog.Level {
	return *config.Load()
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging.
var CidKey key = "cid"

// Log wraps a slog.Logger, with logging functions taking an optional error.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If elog is nil, a Log with
// the default handler is returned, printing to stderr.
func New(pkg string, elog *slog.Logger) Log {
	var h slog.Handler
	if elog == nil {
		h = &handler{Pkg: pkg}
	} else if mh, ok := elog.Handler().(*handler); ok {
		nh := *mh
		nh.Pkg = pkg
		h = &nh
	} else {
		h = elog.Handler().WithAttrs([]slog.Attr{slog.String("pkg", pkg)})
	}
	return Log{slog.New(h)}
}

// WithCid adds an attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds the cid from the context, if present. Contexts are passed to
// functions, especially between packages, carrying the cid for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With adds attributes to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	if len(attrs) == 0 {
		return l
	}
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithFunc sets a function that is called just before logging, to retrieve
// additional attributes to log.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		nh := *h
		nh.Fn = fn
		return Log{slog.New(&nh)}
	}
	return l
}

// Check logs an error at level error if err is non-nil. Used for errors that
// are otherwise ignored, like closing a connection.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.Printx(msg, nil, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelPrint, err, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.Debugx(msg, nil, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.Infox(msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.Errorx(msg, nil, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.plog(LevelError, err, msg, attrs...)
}

// Trace logs protocol traffic at one of the trace levels.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if !l.Enabled(noctx, level) {
		return
	}
	l.plog(level, nil, prefix+strings.TrimRight(string(data), "\r\n"))
}

func (l Log) plog(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.Enabled(noctx, level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(attrs...)
	l.Logger.Handler().Handle(noctx, r)
}

type handler struct {
	Pkg   string
	Attrs []slog.Attr
	Group string
	Fn    func() []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

// Enabled returns whether the level should be logged for the package. Trace
// levels are also "enabled" when a higher trace level is configured, Handle
// then censors the message.
func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level == LevelPrint || level == LevelFatal {
		return true
	}
	c := Config()
	v, ok := c[h.Pkg]
	if !ok {
		v, ok = c[""]
	}
	if !ok {
		return false
	}
	if level >= v {
		return true
	}
	return v <= LevelTrace && (level == LevelTraceauth || level == LevelTracedata)
}

func (h *handler) configLevel() slog.Level {
	c := Config()
	if v, ok := c[h.Pkg]; ok {
		return v
	}
	return c[""]
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	if h.Group != "" {
		attrs = []slog.Attr{{Key: h.Group, Value: slog.GroupValue(attrs...)}}
	}
	nh.Attrs = append(append([]slog.Attr{}, h.Attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.Group != "" {
		name = h.Group + "." + name
	}
	nh.Group = name
	return &nh
}

var writeMutex sync.Mutex

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level
	msg := r.Message
	if cl := h.configLevel(); level < cl {
		switch level {
		case LevelTraceauth:
			msg = "***"
		case LevelTracedata:
			msg = "..."
		}
	}
	if level < LevelTrace {
		level = LevelTrace
	}

	var attrs []slog.Attr
	if h.Pkg != "" {
		attrs = append(attrs, slog.String("pkg", h.Pkg))
	}
	attrs = append(attrs, h.Attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	if h.Fn != nil {
		attrs = append(attrs, h.Fn()...)
	}

	// Single write for each line, so lines of concurrent writers don't interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", LevelStrings[level], logfmtValue(msg))
		for _, a := range attrs {
			writeAttr(b, "", a, func(k, v string) { fmt.Fprintf(b, " %s=%s", k, logfmtValue(v)) })
		}
	} else {
		fmt.Fprintf(b, "%s: %s", LevelStrings[level], logfmtValue(msg))
		first := true
		for _, a := range attrs {
			writeAttr(b, "", a, func(k, v string) {
				if first {
					b.WriteString(" (")
					first = false
				} else {
					b.WriteString("; ")
				}
				fmt.Fprintf(b, "%s: %s", k, logfmtValue(v))
			})
		}
		if !first {
			b.WriteString(")")
		}
	}
	b.WriteString("\n")
	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := os.Stderr.Write(b.Bytes())
	return err
}

func writeAttr(b *bytes.Buffer, prefix string, a slog.Attr, write func(k, v string)) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	k := a.Key
	if prefix != "" {
		k = prefix + "." + k
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, k, ga, write)
		}
		return
	}
	s := stringValue(k == "cid", false, a.Value.Any())
	if s == "" {
		return
	}
	write(k, s)
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(iscid, nested bool, v any) string {
	// Handle some common types first.
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		if iscid {
			return fmt.Sprintf("%x", v)
		}
		return strconv.FormatInt(r, 10)
	case bool:
		if r {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case time.Duration:
		return r.String()
	case error:
		return r.Error()
	case []byte:
		return base64.RawURLEncoding.EncodeToString(r)
	case []string:
		if nested && len(r) == 0 {
			return ""
		}
		return "[" + strings.Join(r, ",") + "]"
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ""
	}
	if r, ok := v.(fmt.Stringer); ok {
		return r.String()
	}
	if rv.Kind() == reflect.Ptr {
		return stringValue(iscid, nested, rv.Elem().Interface())
	}
	if rv.Kind() == reflect.Slice {
		n := rv.Len()
		if nested && n == 0 {
			return ""
		}
		b := &strings.Builder{}
		b.WriteString("[")
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteString(stringValue(false, true, rv.Index(i).Interface()))
		}
		b.WriteString("]")
		return b.String()
	}
	return fmt.Sprintf("%v", v)
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.plog(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error. Can be used
// for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}

type traceWriter struct {
	log    Log
	level  slog.Level
	prefix string
}

func (w *traceWriter) Write(buf []byte) (int, error) {
	for _, line := range strings.SplitAfter(string(buf), "\n") {
		if line != "" {
			w.log.Trace(w.level, w.prefix, []byte(line))
		}
	}
	return len(buf), nil
}

// TraceWriter returns a writer that logs each written line at the trace level,
// prefixed with prefix. Used for logging SMTP protocol traffic.
func TraceWriter(log Log, level slog.Level, prefix string) io.Writer {
	return &traceWriter{log, level, prefix}
}
