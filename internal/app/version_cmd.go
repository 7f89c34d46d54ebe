package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/nuetzliches/remoteaccess/internal/envelope"
)

type versionPayload struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Commit    string   `json:"commit"`
	BuildDate string   `json:"build_date"`
	Ciphers   []string `json:"ciphers"`
}

func currentVersion() versionPayload {
	return versionPayload{
		Name:      serviceName,
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(commit),
		BuildDate: strings.TrimSpace(buildDate),
		Ciphers:   []string{string(envelope.SchemeCompat), string(envelope.SchemeHardened)},
	}
}

func versionCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	longOutput := fs.Bool("long", false, "")
	jsonOutput := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "version: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "version: unexpected positional arguments")
		return 2
	}

	v := currentVersion()
	switch {
	case *jsonOutput:
		if err := json.NewEncoder(stdout).Encode(v); err != nil {
			fmt.Fprintf(stderr, "version: %v\n", err)
			return 1
		}
	case *longOutput:
		fmt.Fprintf(stdout, "%s %s (commit=%s, build_date=%s, ciphers=%s)\n",
			v.Name, v.Version, v.Commit, v.BuildDate, strings.Join(v.Ciphers, ","))
	default:
		fmt.Fprintln(stdout, v.Version)
	}
	return 0
}
