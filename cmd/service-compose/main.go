// Command service-compose starts, stops, restarts and reports on the
// services described in a services file.
//
//	service-compose start --config services.yaml --detach
//	service-compose status
//	service-compose restart --service api
//	service-compose start --service api --daemon
//	service-compose stop
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
