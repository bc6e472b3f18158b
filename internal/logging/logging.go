// Package logging configures logrus and launches labelled goroutines.
package logging

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger from a level name and a
// format ("text" or "json").
func Setup(level, format string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)

	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	if out != nil {
		logrus.SetOutput(out)
	}

	return nil
}

// GoAnnotate runs fn on a new goroutine carrying pprof labels for the
// caller location plus the given key/value pairs.
func GoAnnotate(ctx context.Context, fn func(context.Context), labels ...map[string]any) {
	go pprof.Do(ctx, callerLabels(labels...), fn)
}

// DoAnnotate is GoAnnotate on the current goroutine.
func DoAnnotate(ctx context.Context, fn func(context.Context), labels ...map[string]any) {
	pprof.Do(ctx, callerLabels(labels...), fn)
}

func callerLabels(extra ...map[string]any) pprof.LabelSet {
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		return pprof.Labels()
	}

	kv := []string{"fn", runtime.FuncForPC(pc).Name(), "file", file, "line", strconv.Itoa(line)}
	for _, m := range extra {
		for k, v := range m {
			kv = append(kv, k, fmt.Sprint(v))
		}
	}

	return pprof.Labels(kv...)
}
