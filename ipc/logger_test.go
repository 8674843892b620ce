package ipc

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

func testLogger() logr.Logger { return stdr.New(nil) }
