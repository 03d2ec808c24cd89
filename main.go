package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
)

func main() {
	logger := log.New(os.Stderr, "[gwave] ", log.LstdFlags)

	// Ctrl-C cancels long imports and training runs between batches.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Check for command-line mode
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		var err error
		switch cmd {
		case "import":
			err = RunImportCommand(ctx, os.Args[2:], logger)
		case "spectrum":
			err = RunSpectrumCommand(ctx, os.Args[2:], logger)
		case "train":
			err = RunTrainCommand(ctx, os.Args[2:], logger)
		case "lrfind":
			err = RunLRFindCommand(ctx, os.Args[2:], logger)
		case "predict":
			err = RunPredictCommand(ctx, os.Args[2:], logger)
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Default: show help
	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  gwave [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  import      Load labeled .npy waveforms into the sample database")
	fmt.Println("  spectrum    Estimate the reference noise spectrum used for whitening")
	fmt.Println("  train       Train a classifier and checkpoint the best epochs")
	fmt.Println("  lrfind      Run a learning-rate range test and plot it")
	fmt.Println("  predict     Score samples with the best checkpoint of a run")
	fmt.Println("  help        Show this help message")
	fmt.Println()
	fmt.Println("Models:")
	for _, name := range ModelNames() {
		fmt.Println("  " + name)
	}
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  gwave import -labels=training_labels.csv -root=train -db=gwave.db")
	fmt.Println("  gwave spectrum -db=gwave.db -out=avr_w0.spec")
	fmt.Println("  gwave train -config=run.json -model=V2StochasticDepth -fold=0")
	fmt.Println("  gwave lrfind -config=run.json -html=lrfind.html")
	fmt.Println("  gwave predict -db=test.db -checkpoints=gwave.db -run=default -out=submission.csv")
	fmt.Println()
}
