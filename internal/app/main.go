package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stderr)
		return 2
	}

	switch args[1] {
	case "serve":
		return serveCmd(args[2:], os.Stderr)
	case "call":
		return callCmd(args[2:], os.Stdout, os.Stderr)
	case "config":
		return configCmd(args[2:], os.Stdout, os.Stderr)
	case "list":
		return listCmd(args[2:], os.Stdout, os.Stderr)
	case "version":
		return versionCmd(args[2:], os.Stdout, os.Stderr)
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "remoteaccess")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  remoteaccess serve --config ./Reflectorfile [--pid-file ./remoteaccess.pid] [--watch] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(w, "  remoteaccess call --url https://host/remote-access --key env:REMOTE_ACCESS_KEY [--list-id 44] [--cipher compat|hardened] [--verify-tls] --cmd get_setting:44:recipients [--cmd ...]")
	fmt.Fprintln(w, "  remoteaccess config fmt --config ./Reflectorfile [--write]")
	fmt.Fprintln(w, "  remoteaccess config validate --config ./Reflectorfile --format json|text [--strict-secrets]")
	fmt.Fprintln(w, "  remoteaccess list create --config ./Reflectorfile --id 44 [--set recipients=a@example.org] [--key env:LIST_KEY]")
	fmt.Fprintln(w, "  remoteaccess version [--long] [--json]")
}
