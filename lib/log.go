package lib

import (
	"io"
	"os"
	"runtime"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	LogTimeFormat = "2006-01-02T15:04:05.000"
)

func consoleWriter() io.Writer {
	if runtime.GOOS == "windows" {
		return zerolog.ConsoleWriter{Out: colorable.NewColorableStderr(), TimeFormat: LogTimeFormat}
	}
	return zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false, TimeFormat: LogTimeFormat}
}

// ZeroConsoleLog sends human readable logs to stderr so stdout stays free for results.
func ZeroConsoleLog() {
	log.Logger = zerolog.New(consoleWriter()).With().Timestamp().Logger()
}

// ZeroJSONLog writes JSON lines to stderr.
func ZeroJSONLog() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// ZeroConsoleAndFileLog tees console output into filename, which is created when missing.
func ZeroConsoleAndFileLog(filename string, pretty bool) error {
	logFile, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	var console io.Writer = os.Stderr
	if pretty {
		console = consoleWriter()
	}

	mw := io.MultiWriter(logFile, console)
	log.Logger = zerolog.New(mw).With().Timestamp().Logger()
	return nil
}
