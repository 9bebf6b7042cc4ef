package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/drender/drender/server/flags"
	"github.com/drender/drender/server/log"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading. When cancel() is called (from the
// signal handler), all goroutines watching ctx.Done() begin their shutdown
// sequence.
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the two main goroutines: driver and HTTP server. main() blocks
// on wg.Wait() and only exits when both are done.
var wg sync.WaitGroup

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("dRender driver starting up...", "version", version, "commit", commit)

	// Setup signal handling for graceful shutdown
	setupInterrupts()

	// Setup driver
	if err := createDriver(ctx); err != nil {
		log.Error("Failed to create driver", "error", err)
		os.Exit(1)
	}

	// Driver goroutine: Run() blocks in its event loop until Shutdown() is
	// called. A companion goroutine waits for ctx cancellation, then
	// orchestrates the graceful shutdown.
	wg.Add(1)
	go driver.Run()
	go func() {
		<-ctx.Done()      // triggered by cancel() in signal handler
		driver.Shutdown() // closes the driver's stop channel → Run() returns
		driver.Wait()     // blocks until the event loop has exited
		wg.Done()
	}()

	// HTTP server goroutine. A nested goroutine watches for shutdown and
	// calls Shutdown(), which stops accepting new connections and waits for
	// in-flight requests to complete.
	server := &http.Server{
		Addr:    viper.GetString(flags.Listen),
		Handler: newRouter(driver),
	}
	wg.Add(1)
	go func() {
		go func() {
			<-ctx.Done()
			_ = server.Shutdown(context.Background())
		}()

		log.Info("Server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to serve", "error", err)
			os.Exit(1)
		}
		wg.Done()
	}()

	// Block until both the driver and the HTTP server have finished.
	wg.Wait()
	log.Info("Shutdown completed. Bye!")
}

// setupInterrupts handles Ctrl+C (SIGINT) with a double-tap pattern:
// - First signal: calls cancel() which cascades shutdown through ctx.Done()
// - Second signal: forces immediate exit (in case graceful shutdown hangs)
func setupInterrupts() {
	sig := make(chan os.Signal, 1) // buffered: won't miss a signal while processing
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
