package logger

import (
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger. It discards everything until
// InitLogger runs.
var Logger = zap.NewNop()

var logRotator *rotator.Rotator

// InitLogger writes JSON logs at the given level to logFile, rolling it over
// once it grows past thresholdKB and keeping maxRolls old files.
func InitLogger(logFile string, level string, thresholdKB int64, maxRolls int) error {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	atom := zap.NewAtomicLevel()
	if err := atom.UnmarshalText([]byte(level)); err != nil {
		return err
	}

	if logDir, _ := filepath.Split(logFile); logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return errors.Wrap(err, "failed to create log directory")
		}
	}
	r, err := rotator.New(logFile, thresholdKB, false, maxRolls)
	if err != nil {
		return errors.Wrap(err, "failed to create file rotator")
	}

	writeSyncer := zapcore.AddSync(r)
	encoder := zapcore.NewJSONEncoder(cfg)

	core := zapcore.NewCore(encoder, writeSyncer, atom)
	Logger = zap.New(core, zap.AddCaller())
	logRotator = r

	return nil
}

// Close flushes buffered entries and closes the log file.
func Close() error {
	_ = Logger.Sync()
	if logRotator == nil {
		return nil
	}
	return logRotator.Close()
}
