// Package logging builds the zap logger shared by every dxeforge component.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger on stderr. Without verbose only warnings and
// errors are printed; the CLI reports progress itself.
func New(verbose bool) (*zap.Logger, error) {
	return NewWithWriter(verbose, os.Stderr)
}

func NewWithWriter(verbose bool, w io.Writer) (*zap.Logger, error) {
	if w == nil {
		return nil, fmt.Errorf("logger writer is required")
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")

	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()).Named("dxeforge"), nil
}
