package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rendis/flowrun/internal/secrets"
)

const secretUsage = "usage: flowrun secret set <key> [-value v] | list | delete <key>"

// secret manages vault entries referenced from agent config as {{secrets.KEY}}.
func (c *cli) secret(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(secretUsage)
	}
	switch args[0] {
	case "set":
		return c.secretSet(ctx, args[1:])
	case "list":
		return c.secretList(ctx, args[1:])
	case "delete", "rm":
		return c.secretDelete(ctx, args[1:])
	default:
		return fmt.Errorf("unknown secret command %q; %s", args[0], secretUsage)
	}
}

func (c *cli) secretSet(ctx context.Context, args []string) error {
	fs := c.flagSet("secret set")
	value := fs.String("value", "", "secret value; read from stdin when omitted")
	key, err := parseWithPositional(fs, args, "secret key")
	if err != nil {
		return err
	}
	if err := secrets.ValidateKey(key); err != nil {
		return err
	}
	if c.cfg.VaultKey == "" {
		return errors.New("FLOWRUN_VAULT_KEY must be set to store secrets")
	}

	val := *value
	if val == "" {
		data, err := io.ReadAll(c.stdin)
		if err != nil {
			return fmt.Errorf("read secret from stdin: %w", err)
		}
		val = strings.TrimRight(string(data), "\r\n")
	}
	if val == "" {
		return errors.New("secret value is empty")
	}

	a, err := openApp(ctx, c.cfg, c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.vault(ctx)
	if err != nil {
		return err
	}
	if err := v.Store(ctx, key, []byte(val)); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "secret %s stored\n", key)
	return nil
}

func (c *cli) secretList(ctx context.Context, args []string) error {
	fs := c.flagSet("secret list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, c.cfg, c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	keys, err := a.store.ListSecrets(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(c.stdout, k)
	}
	return nil
}

func (c *cli) secretDelete(ctx context.Context, args []string) error {
	fs := c.flagSet("secret delete")
	key, err := parseWithPositional(fs, args, "secret key")
	if err != nil {
		return err
	}
	a, err := openApp(ctx, c.cfg, c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteSecret(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "secret %s deleted\n", key)
	return nil
}
