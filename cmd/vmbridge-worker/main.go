// Command vmbridge-worker serves the sandbox protocol on stdin/stdout.
//
// It is spawned by bridge sessions and is not meant to be run by hand. Logs
// go to stderr, which the host forwards to its own logger.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/randalmurphal/vmbridge/protocol"
	"github.com/randalmurphal/vmbridge/worker"
)

func main() {
	schema := flag.String("schema", "", `print the JSON Schema of "request" or "response" messages and exit`)
	verbose := flag.Bool("v", false, "log debug output to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *schema != "" {
		if err := printSchema(*schema); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	if err := worker.Serve(os.Stdin, os.Stdout); err != nil {
		slog.Error("worker failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func printSchema(kind string) error {
	var (
		data []byte
		err  error
	)
	switch kind {
	case "request":
		data, err = protocol.RequestSchema()
	case "response":
		data, err = protocol.ResponseSchema()
	default:
		return fmt.Errorf("unknown schema %q, expected request or response", kind)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Println(string(data))
	return err
}
