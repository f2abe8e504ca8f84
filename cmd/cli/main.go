// Command brokerctl is a CLI client for the broker connection API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	httpserver "github.com/bobbyuzda1/g2e-trading-app-sub000/internal/server/http"
)

const apiPrefix = httpserver.Prefix

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "brokerctl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "brokerctl")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(tokenPath(), b, 0o600)
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run brokerctl token)")
	}
	return tf.AccessToken, nil
}

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

const usageText = `brokerctl CLI
Usage:
  brokerctl [-addr URL] [-cacert file | -insecure] <cmd> [args]

Commands:
  version
  token       -jwt-key <key> [-user <uuid>] [-ttl 1h]      (dev only; saves token)
  supported
  creds-set   -broker <id> -key <api key> -secret <api secret> [-sandbox]
  creds-ls
  creds-rm    -broker <id>
  connect     -broker <id> [-redirect <uri>]
  callback    -broker <id> [-redirect <uri>] [-state s] [-code c] [-oauth-token t] [-verifier v]
  conns
  conn        -id <uuid>
  history     -id <uuid>
  disconnect  -id <uuid>
`

var errUsage = errors.New("usage")

var (
	version   = "dev"
	buildDate = "unknown"
)

// run executes one command. Every output goes to stdout as JSON.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	global := flag.NewFlagSet("brokerctl", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	addr := global.String("addr", "http://localhost:8080", "server base url")
	caPath := global.String("cacert", "", "CA cert (PEM)")
	insecure := global.Bool("insecure", false, "skip cert verify (dev)")
	if err := global.Parse(args); err != nil || global.NArg() < 1 {
		return errUsage
	}
	cmd, rest := global.Arg(0), global.Args()[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	broker := fs.String("broker", "", "broker id")
	id := fs.String("id", "", "connection id")
	redirect := fs.String("redirect", "", "redirect_uri")

	switch cmd {
	case "version":
		_, err := fmt.Fprintf(stdout, "brokerctl %s (%s)\n", version, buildDate)
		return err

	case "token":
		key := fs.String("jwt-key", "", "server HS256 key")
		user := fs.String("user", "", "user uuid (random when empty)")
		ttl := fs.Duration("ttl", time.Hour, "token lifetime")
		if err := fs.Parse(rest); err != nil || *key == "" {
			return errUsage
		}
		uid := uuid.Must(uuid.NewV4())
		if *user != "" {
			var err error
			if uid, err = uuid.FromString(*user); err != nil {
				return fmt.Errorf("bad -user: %w", err)
			}
		}
		tok, exp, err := httpserver.IssueToken([]byte(*key), uid, *ttl)
		if err != nil {
			return err
		}
		if err := saveToken(tokenFile{AccessToken: tok, UserID: uid.String(), ExpiresAt: exp}); err != nil {
			return err
		}
		printJSON(stdout, map[string]any{"user_id": uid.String(), "expires_at": exp.UTC()})
		return nil
	}

	token, err := loadToken()
	if err != nil {
		return err
	}
	c, err := newClient(*addr, token, *caPath, *insecure)
	if err != nil {
		return err
	}

	var out any
	switch cmd {
	case "supported":
		err = c.do(ctx, "GET", "/supported", nil, nil, &out)

	case "creds-set":
		key := fs.String("key", "", "api key")
		secret := fs.String("secret", "", "api secret")
		sandbox := fs.Bool("sandbox", false, "sandbox credentials")
		if err := fs.Parse(rest); err != nil || *broker == "" || *key == "" || *secret == "" {
			return errUsage
		}
		body := map[string]any{"broker_id": *broker, "api_key": *key, "api_secret": *secret, "is_sandbox": *sandbox}
		err = c.do(ctx, "PUT", "/credentials", nil, body, &out)

	case "creds-ls":
		err = c.do(ctx, "GET", "/credentials", nil, nil, &out)

	case "creds-rm":
		if err := fs.Parse(rest); err != nil || *broker == "" {
			return errUsage
		}
		err = c.do(ctx, "DELETE", "/credentials/"+url.PathEscape(*broker), nil, nil, nil)
		out = map[string]string{"result": "deleted"}

	case "connect":
		if err := fs.Parse(rest); err != nil || *broker == "" {
			return errUsage
		}
		err = c.do(ctx, "POST", "/connect/"+url.PathEscape(*broker), redirectQuery(*redirect), nil, &out)

	case "callback":
		state := fs.String("state", "", "oauth state")
		code := fs.String("code", "", "oauth2 code")
		oauthToken := fs.String("oauth-token", "", "oauth1 request token")
		verifier := fs.String("verifier", "", "oauth1 verifier")
		if err := fs.Parse(rest); err != nil || *broker == "" {
			return errUsage
		}
		body := map[string]string{"state": *state, "code": *code, "oauth_token": *oauthToken, "oauth_verifier": *verifier}
		err = c.do(ctx, "POST", "/callback/"+url.PathEscape(*broker), redirectQuery(*redirect), body, &out)

	case "conns":
		err = c.do(ctx, "GET", "/connections", nil, nil, &out)

	case "conn", "history", "disconnect":
		if err := fs.Parse(rest); err != nil || *id == "" {
			return errUsage
		}
		path := "/connections/" + url.PathEscape(*id)
		switch cmd {
		case "conn":
			err = c.do(ctx, "GET", path, nil, nil, &out)
		case "history":
			err = c.do(ctx, "GET", path+"/transitions", nil, nil, &out)
		default:
			err = c.do(ctx, "DELETE", path, nil, nil, nil)
			out = map[string]string{"result": "disconnected"}
		}

	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	printJSON(stdout, out)
	return nil
}

func redirectQuery(redirect string) url.Values {
	if strings.TrimSpace(redirect) == "" {
		return nil
	}
	return url.Values{"redirect_uri": {redirect}}
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdout)
	switch {
	case err == nil:
		return
	case errors.Is(err, errUsage):
		fmt.Fprint(os.Stderr, usageText)
		cancel()
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
