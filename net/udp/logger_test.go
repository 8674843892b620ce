package udp

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

func testLogger() logr.Logger {
	return stdr.New(log.New(os.Stderr, "udp_test: ", 0))
}
