package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/abscal/transmission-fitter/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "run":
		err = handleRun(args, os.Stdout)
	case "stages":
		err = handleStages(args, os.Stdout)
	case "runs":
		err = handleRuns(args, os.Stdout)
	case "serve":
		err = handleServe(args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err == flag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func printUsage() {
	fmt.Println(`abscal - staged calibration of an optical transmission model

Usage: abscal <command> [options]

Commands:
  run        Fit a calibration to a catalog and write the reports
  stages     Validate a stage file and print the sequence
  runs       List stored calibration runs
  serve      Serve stored runs over HTTP
  version    Show the abscal version
  help       Show this help message

Examples:
  # Run the built-in sequence against a catalog
  abscal run --config calibration.json --catalog field.csv

  # Run a custom sequence and keep results in a separate database
  abscal run --config calibration.json --stages stages.yaml --db night1.db

  # Check a stage file without running it
  abscal stages --stages stages.yaml

  # Browse results
  abscal serve --db abscal.db --listen :8080

Run 'abscal <command> -h' for the options of a command.`)
}
