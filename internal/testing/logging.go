package kctesting

import (
	"io"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	klog "k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// SetupLogging configures controller-runtime and klog to share a logr and
// returns it. When DEBUG is unset, logs are discarded to keep CI output clean.
// A numeric DEBUG value raises the verbosity, e.g. DEBUG=4 shows V(4) traces.
func SetupLogging() logr.Logger {
	logger := zap.New(zap.WriteTo(io.Discard))
	if v := os.Getenv("DEBUG"); v != "" {
		level := 0
		if n, err := strconv.Atoi(v); err == nil {
			level = n
		}
		logger = zap.New(zap.UseDevMode(true), zap.Level(zapcore.Level(-level)))
	}
	ctrl.SetLogger(logger)
	klog.SetLogger(logger)
	return logger
}
