// Command inkline-relay runs the relay server: the account chain/
// document/mailbox store plus the S3-backed blob object store (spec.md
// §6). Configuration is read entirely from the environment per
// internal/relay.ConfigFromEnv; there is no config file on this side.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/inkline-dev/inkline/internal/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()
	cfg := relay.ConfigFromEnv()

	server, err := relay.NewServer(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inkline-relay: setup failed: %v\n", err)
		return 1
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "inkline-relay: %v\n", err)
		return 1
	}
	return 0
}
