package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/nuetzliches/remoteaccess/internal/config"
	"github.com/nuetzliches/remoteaccess/internal/secrets"
	"github.com/nuetzliches/remoteaccess/internal/store"
)

const provisionTimeout = 30 * time.Second

// settingFlags collects repeated --set NAME=VALUE flags.
type settingFlags map[string]string

func (s settingFlags) String() string { return fmt.Sprintf("%d settings", len(s)) }

func (s settingFlags) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("use NAME=VALUE, got %q", v)
	}
	s[name] = unescapeValue(value)
	return nil
}

func listCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: create")
		return 2
	}
	switch args[0] {
	case "create":
		return listCreate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown list subcommand: %s\n", args[0])
		return 2
	}
}

// listCreate registers a list in the configured store, or merges settings
// into an existing one. --key sets the list's remote_access_keys from a
// secret ref.
func listCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	listID := fs.Int64("id", 0, "list id")
	keyRef := fs.String("key", "", "list remote access key as a secret ref")
	settings := settingFlags{}
	fs.Var(settings, "set", "setting NAME=VALUE, repeatable")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *listID <= 0 {
		fmt.Fprintln(stderr, "list create: --id must be a positive integer")
		return 2
	}
	if ref := strings.TrimSpace(*keyRef); ref != "" {
		b, err := secrets.LoadRef(ref)
		if err != nil {
			fmt.Fprintf(stderr, "list create: key %s: %v\n", secrets.Redact(ref), err)
			return 2
		}
		settings[store.SettingRemoteAccessKeys] = string(b)
	}

	compiled, res, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "list create: %v\n", err)
		return 1
	}
	if !res.OK {
		fmt.Fprintf(stderr, "list create: config invalid: %s\n", config.FormatValidationText(res))
		return 1
	}
	if strings.EqualFold(compiled.Store.Backend, "memory") {
		fmt.Fprintln(stderr, "list create: the memory store does not persist lists")
		return 2
	}

	st, err := store.Open(compiled.Store.Backend, compiled.Store.DSN)
	if err != nil {
		fmt.Fprintf(stderr, "list create: open store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()
	if err := st.CreateList(ctx, *listID, settings); err != nil {
		fmt.Fprintf(stderr, "list create: %v\n", err)
		return 1
	}

	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	slices.Sort(names)
	out := struct {
		ListID   int64    `json:"list_id"`
		Backend  string   `json:"backend"`
		Settings []string `json:"settings"`
	}{*listID, compiled.Store.Backend, names}
	_ = json.NewEncoder(stdout).Encode(out)
	return 0
}
