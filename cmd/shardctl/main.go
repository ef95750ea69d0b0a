// Command shardctl inspects and maintains shardset dataset directories and
// runs a synthetic cache workload against them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/apex/log"
)

func main() {
	os.Exit(realMain(os.Args))
}

func realMain(args []string) int {
	app := newApp()
	if err := app.Run(context.Background(), args); err != nil {
		if errors.Is(err, errIncomplete) {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		log.WithError(err).Error("shardctl")
		return 1
	}
	return 0
}
