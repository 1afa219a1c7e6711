package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "eventrelay")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  eventrelay run [--pid-file ./eventrelay.pid] [--log-level info] [--dotenv ./.env] [--watch]")
	fmt.Fprintln(os.Stdout, "  eventrelay version [--long] [--json]")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Configuration is read from EVENTRELAY_* environment variables; see")
	fmt.Fprintln(os.Stdout, "EVENTRELAY_INGEST_HOST, EVENTRELAY_LISTEN, EVENTRELAY_STORE, EVENTRELAY_DB_PATH.")
}
