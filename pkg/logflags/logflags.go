// Package logflags routes per-layer debug logging for the binmap
// packages through logrus. Layers are off by default and enabled by
// name through Setup, typically from the --log-output flag.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	loaderFlag bool
	peFlag     bool
	relocFlag  bool
)

var logOut io.WriteCloser

func makeLogger(flag bool, fields logrus.Fields) Logger {
	lf := logrus.New()
	lf.Formatter = textFormatterInstance
	lf.Level = logrus.DebugLevel
	if !flag {
		lf.Level = logrus.PanicLevel
	}
	if logOut != nil {
		lf.Out = logOut
	} else {
		lf.Out = os.Stderr
	}
	return &logrusLogger{lf.WithFields(fields)}
}

// Loader returns true if the loader layer (placement, dependency
// walking, two-phase resolution) should log.
func Loader() bool {
	return loaderFlag
}

// LoaderLogger returns a logger for the loader layer.
func LoaderLogger() Logger {
	return makeLogger(loaderFlag, logrus.Fields{"layer": "loader"})
}

// PE returns true if the PE backend should log.
func PE() bool {
	return peFlag
}

// PELogger returns a logger for the PE backend.
func PELogger() Logger {
	return makeLogger(peFlag, logrus.Fields{"layer": "pe"})
}

// Reloc returns true if relocation resolution and patching should log.
func Reloc() bool {
	return relocFlag
}

// RelocLogger returns a logger for relocation resolution and patching.
func RelocLogger() Logger {
	return makeLogger(relocFlag, logrus.Fields{"layer": "reloc"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets layer flags based on the contents of logstr. If logDest is
// non-empty the log output is redirected there: either a file path or a
// number naming an already-open file descriptor.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "binmap-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "loader"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "loader":
			loaderFlag = true
		case "pe":
			peFlag = true
		case "reloc":
			relocFlag = true
		default:
			return fmt.Errorf("unknown log output %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output redirection target, if any.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
