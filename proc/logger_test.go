package proc

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

func testLogger() logr.Logger {
	return stdr.New(log.New(os.Stderr, "proc_test: ", 0))
}
