package app

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nuetzliches/remoteaccess/internal/config"
)

const defaultConfigPath = "./Reflectorfile"

func configCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: fmt | validate")
		return 2
	}

	switch args[0] {
	case "fmt":
		return configFormat(args[1:], stdout, stderr)
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

// configFormat prints the canonical form of the config. With --write the
// file is replaced in place, and only when it changed.
func configFormat(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config fmt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	write := fs.Bool("write", false, "rewrite the config file instead of printing it")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	cfg, err := config.Parse(data)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	out, err := config.Format(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	if !*write {
		_, _ = stdout.Write(out)
		return 0
	}
	if bytes.Equal(out, data) {
		return 0
	}
	if err := writeFileAtomic(*configPath, out); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return 0
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	strictSecrets := fs.Bool("strict-secrets", false, "load every admin key ref during validation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		return writeValidation(*format, config.ValidationResult{Errors: []string{err.Error()}}, stdout, stderr)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return writeValidation(*format, config.ValidationResult{Errors: []string{err.Error()}}, stdout, stderr)
	}
	res := config.ValidateWithResultOptions(cfg, config.ValidationOptions{SecretPreflight: *strictSecrets})
	return writeValidation(*format, res, stdout, stderr)
}

// writeValidation prints res to stdout when it is OK and to stderr
// otherwise, and returns the exit code.
func writeValidation(format string, res config.ValidationResult, stdout, stderr io.Writer) int {
	w, code := stdout, 0
	if !res.OK {
		w, code = stderr, 1
	}
	if format == "text" {
		fmt.Fprintln(w, config.FormatValidationText(res))
		for _, warn := range res.Warnings {
			fmt.Fprintln(w, "warning: "+warn)
		}
		return code
	}
	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(w, out)
	return code
}
