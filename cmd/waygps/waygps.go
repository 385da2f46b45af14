// Binary waygps enables GPS/GNSS support in Waydroid by patching its images
// with the GNSS HAL of a reference Android image.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/waygps/tools/waygps"
	"golang.org/x/sys/unix"
)

func main() {
	// Further interrupts are swallowed until Execute returns, so that a
	// cancelled run still gets to release its mounts.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	err := waygps.Context{Args: os.Args[1:]}.Execute(ctx)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}
