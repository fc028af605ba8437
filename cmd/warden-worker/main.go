// Command warden-worker runs one untrusted agent per process. It reads a
// single request from stdin and writes a single response line to stdout. It
// is started by warden and is not meant to be run by hand.
package main

import (
	"os"

	"github.com/haasonsaas/warden/internal/worker"
)

func main() {
	os.Exit(worker.Main())
}
