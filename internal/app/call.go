package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/nuetzliches/remoteaccess/internal/client"
	"github.com/nuetzliches/remoteaccess/internal/command"
	"github.com/nuetzliches/remoteaccess/internal/envelope"
	"github.com/nuetzliches/remoteaccess/internal/secrets"
)

// cmdSpecs collects repeated --cmd flags.
type cmdSpecs []*command.Command

func (c *cmdSpecs) String() string { return fmt.Sprintf("%d commands", len(*c)) }

func (c *cmdSpecs) Set(v string) error {
	cmd, err := parseCmdSpec(v)
	if err != nil {
		return err
	}
	*c = append(*c, cmd)
	return nil
}

// parseCmdSpec reads one command from its flag form:
//
//	get_queue_size
//	get_option:NAME
//	update_option:NAME=VALUE
//	get_setting:LIST_ID:NAME
//	update_setting:LIST_ID:NAME=VALUE   (also append_setting)
//	sort_setting:LIST_ID:NAME           (also uniq_setting)
//
// Values may contain ':' and '='; \n in a value is a newline.
func parseCmdSpec(spec string) (*command.Command, error) {
	kindText, rest, _ := strings.Cut(strings.TrimSpace(spec), ":")
	kind, err := command.ParseKind(kindText)
	if err != nil {
		return nil, err
	}

	var cmd *command.Command
	switch kind.Scope() {
	case command.ScopeGlobal:
		if rest != "" {
			return nil, fmt.Errorf("%s takes no arguments", kind)
		}
		cmd = command.NewGetQueueSize()
	case command.ScopeOption:
		name, value, hasValue := strings.Cut(rest, "=")
		if hasValue != (kind == command.KindUpdateOption) {
			return nil, cmdSpecUsage(kind)
		}
		cmd = &command.Command{Kind: kind, Option: strings.TrimSpace(name), Value: unescapeValue(value)}
	case command.ScopeList:
		idText, target, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, cmdSpecUsage(kind)
		}
		listID, err := strconv.ParseInt(strings.TrimSpace(idText), 10, 64)
		if err != nil || listID <= 0 {
			return nil, fmt.Errorf("%s: list id %q must be a positive integer", kind, idText)
		}
		name, value, hasValue := strings.Cut(target, "=")
		wantsValue := kind == command.KindUpdateSetting || kind == command.KindAppendSetting
		if hasValue != wantsValue {
			return nil, cmdSpecUsage(kind)
		}
		cmd = &command.Command{Kind: kind, ListID: listID, Setting: strings.TrimSpace(name), Value: unescapeValue(value)}
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func cmdSpecUsage(kind command.Kind) error {
	switch kind {
	case command.KindGetOption:
		return errors.New("use get_option:NAME")
	case command.KindUpdateOption:
		return errors.New("use update_option:NAME=VALUE")
	case command.KindUpdateSetting, command.KindAppendSetting:
		return fmt.Errorf("use %s:LIST_ID:NAME=VALUE", kind)
	default:
		return fmt.Errorf("use %s:LIST_ID:NAME", kind)
	}
}

func unescapeValue(v string) string {
	return strings.ReplaceAll(v, `\n`, "\n")
}

// readBatchFile loads commands from a JSONC file holding an array of
// command objects, e.g.
//
//	[
//	  // rotate the list key
//	  {"kind": "update_setting", "list_id": 44, "setting": "remote_access_keys", "value": "new"},
//	  {"kind": "get_queue_size"},
//	]
//
// Comments and trailing commas are allowed. Result fields are rejected.
func readBatchFile(path string) ([]*command.Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	var entries []command.Command
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := make([]*command.Command, 0, len(entries))
	for i := range entries {
		c := entries[i]
		if c.Handled != nil || c.Error != "" || c.Size != 0 {
			return nil, fmt.Errorf("%s: command %d: handled, error and size are set by the server", path, i)
		}
		c.Kind = command.Kind(strings.ToLower(string(c.Kind)))
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s: command %d: %w", path, i, err)
		}
		out = append(out, &c)
	}
	return out, nil
}

// callResult is one line of `call` output.
type callResult struct {
	ID string `json:"id"`
	*command.Command
}

func callCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "", "remote access URL")
	key := fs.String("key", "", "shared key as a secret ref (env:, file:, raw:, vault:)")
	listID := fs.Int64("list-id", 0, "list id, required for list keys")
	verifyTLS := fs.Bool("verify-tls", false, "verify the server certificate")
	timeout := fs.Duration("timeout", client.DefaultTimeout, "request timeout")
	cipher := fs.String("cipher", string(envelope.SchemeCompat), "envelope cipher (compat|hardened)")
	batchPath := fs.String("batch", "", "JSONC file with an array of commands, sent before any --cmd")
	var flagCmds cmdSpecs
	fs.Var(&flagCmds, "cmd", "command to send, repeatable (e.g. get_setting:44:recipients)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var cmds []*command.Command
	if p := strings.TrimSpace(*batchPath); p != "" {
		fromFile, err := readBatchFile(p)
		if err != nil {
			fmt.Fprintf(stderr, "call: %v\n", err)
			return callExitConfig
		}
		cmds = append(cmds, fromFile...)
	}
	cmds = append(cmds, flagCmds...)
	if len(cmds) == 0 {
		fmt.Fprintln(stderr, "call: at least one --cmd or --batch command is required")
		return callExitConfig
	}
	scheme, err := envelope.ParseScheme(*cipher)
	if err != nil {
		fmt.Fprintf(stderr, "call: %v\n", err)
		return callExitConfig
	}

	rawKey := ""
	if strings.TrimSpace(*key) != "" {
		b, err := secrets.LoadRef(*key)
		if err != nil {
			fmt.Fprintf(stderr, "call: key %s: %v\n", secrets.Redact(*key), err)
			return callExitConfig
		}
		rawKey = string(b)
	}

	call := client.NewCall(strings.TrimSpace(*url), rawKey, *listID)
	ids := make([]string, 0, len(cmds))
	for _, c := range cmds {
		ids = append(ids, call.Add(c))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	c := client.New(
		client.WithScheme(scheme),
		client.WithTimeout(*timeout),
		client.WithInsecureSkipVerify(!*verifyTLS),
		client.WithLogger(newDiscardLogger()),
	)
	if err := c.Execute(ctx, call); err != nil {
		fmt.Fprintf(stderr, "call: %v\n", err)
		return callExitCode(err)
	}
	return writeCallResults(stdout, call.Commands, ids)
}

// Exit codes of `call`. Flag and key problems share code 2 with usage errors.
const (
	callExitCommandFailed = 1
	callExitConfig        = 2
	callExitTransport     = 3
	callExitReply         = 4
)

func callExitCode(err error) int {
	switch {
	case errors.Is(err, client.ErrConfig):
		return callExitConfig
	case errors.Is(err, client.ErrTransport):
		return callExitTransport
	default:
		return callExitReply
	}
}

// writeCallResults prints the reply as JSON lines in the order the commands
// were given. It returns callExitCommandFailed when any command came back
// unhandled.
func writeCallResults(w io.Writer, batch *command.Batch, ids []string) int {
	enc := json.NewEncoder(w)
	code := 0
	for _, id := range ids {
		cmd, ok := batch.Get(id)
		if !ok {
			cmd = &command.Command{Error: "missing from reply"}
		}
		if !cmd.IsHandled() {
			code = callExitCommandFailed
		}
		if err := enc.Encode(callResult{ID: id, Command: cmd}); err != nil {
			return callExitCommandFailed
		}
	}
	return code
}
