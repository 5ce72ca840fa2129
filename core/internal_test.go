// Just a check.v1 wrapper to allow running selected suites with:
// go test -v ./core -check.f StatusSuite

package core

import (
	"os"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/valandreev/restcache/core/cfg"
	"github.com/valandreev/restcache/log"
)

var testLog = log.GetLogger("test")

func TestCheckSuites(t *testing.T) {
	TestingT(t)
}

func TestMain(m *testing.M) {
	if err := cfg.InitLoggers(&cfg.FlagStorage{LogLevel: "warn", LogFormat: "console"}); err != nil {
		testLog.E(err)
	}

	os.Exit(m.Run())
}
