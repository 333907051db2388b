package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cookiecms/cookiecli/session"
	"github.com/cookiecms/cookiecli/tui"
)

// maxResponseBody bounds how much of a response body is read for display.
const maxResponseBody = 10 << 20

// cli carries the dependencies shared by all commands. The session client
// is built lazily in the root PersistentPreRunE once flags are parsed.
type cli struct {
	fs      afero.Fs
	stdout  io.Writer
	stderr  io.Writer
	display tui.Displayer
	doer    session.Doer // nil builds the go-httpretry client from config

	flags flagValues

	cfg    *Config
	log    zerolog.Logger
	store  session.Store
	where  string
	client *session.Client
	close  func() error
}

func newCLI(stdout, stderr io.Writer, display tui.Displayer) *cli {
	return &cli{
		fs:      afero.NewOsFs(),
		stdout:  stdout,
		stderr:  stderr,
		display: display,
		log:     zerolog.Nop(),
		close:   func() error { return nil },
	}
}

// execute runs the command line args and reports a failure through the
// Displayer.
func (c *cli) execute(ctx context.Context, args []string) error {
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	err := root.ExecuteContext(ctx)
	if cerr := c.close(); cerr != nil {
		c.log.Warn().Err(cerr).Msg("failed to close session store")
	}
	if err != nil {
		c.display.Fatal(err)
	}
	return err
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cookiecli",
		Short:         "Authenticated client for the CookieCMS API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configFile, "config", "", "YAML config file (or COOKIECLI_CONFIG env)")
	pf.StringVar(&c.flags.apiURL, "api-url", "", "API base URL (default: "+defaultAPIURL+" or API_URL env)")
	pf.StringVar(&c.flags.store, "store", "", "session store: file, redis or memory (or SESSION_STORE env)")
	pf.StringVar(&c.flags.sessionFile, "session-file", "", "session file (default: "+defaultSessionFile+" or SESSION_FILE env)")
	pf.StringVar(&c.flags.redisAddr, "redis-addr", "", "redis address (default: "+defaultRedisAddr+" or REDIS_ADDR env)")
	pf.StringVar(&c.flags.redisPrefix, "redis-prefix", "", "redis key prefix (default: "+defaultRedisPrefix+" or REDIS_PREFIX env)")
	pf.StringVar(&c.flags.sessionID, "session-id", "", "redis session id (default: "+defaultSessionID+" or SESSION_ID env)")
	pf.StringVar(&c.flags.refreshAttempts, "refresh-attempts", "", "total refresh attempts (default: 3 or REFRESH_ATTEMPTS env)")
	pf.StringVar(&c.flags.refreshBackoff, "refresh-backoff", "", "refresh backoff base (default: 500ms or REFRESH_BACKOFF env)")
	pf.StringVar(&c.flags.requestTimeout, "request-timeout", "", "per-request timeout (default: 10s or REQUEST_TIMEOUT env)")
	pf.StringVar(&c.flags.transportRetries, "transport-retries", "", "transport-level retries (default: 0 or TRANSPORT_RETRIES env)")
	pf.BoolVarP(&c.flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		c.importCmd(),
		c.requestCmd(),
		c.uploadCmd(),
		c.refreshCmd(),
		c.whoamiCmd(),
		c.logoutCmd(),
	)
	return root
}

// setup resolves the configuration and builds the store and session client.
func (c *cli) setup(ctx context.Context) error {
	cfg, err := loadConfig(c.fs, c.flags)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	c.log = zerolog.New(zerolog.ConsoleWriter{Out: c.stderr}).
		Level(level).
		With().Timestamp().Str("app", "cookiecli").Logger()

	warnPlainHTTP(c.stderr, cfg.APIURL)

	store, where, closer, err := openStore(ctx, c.fs, cfg)
	if err != nil {
		return err
	}
	c.store, c.where, c.close = store, where, closer

	doer := c.doer
	if doer == nil {
		if doer, err = newDoer(cfg); err != nil {
			return err
		}
	}

	c.client, err = session.NewClient(session.Config{
		APIURL: cfg.APIURL,
		Store:  store,
		Doer:   doer,
		Retry: session.RetryPolicy{
			MaxAttempts: cfg.RefreshAttempts,
			BackoffBase: cfg.RefreshBackoff,
		},
		RequestTimeout: cfg.RequestTimeout,
		Observer:       c.display,
		Logger:         &c.log,
	})
	if err != nil {
		return err
	}

	c.log.Debug().
		Str("api_url", cfg.APIURL).
		Str("store", cfg.Store).
		Str("where", where).
		Msg("session client ready")
	return nil
}

func (c *cli) importCmd() *cobra.Command {
	var (
		creds   session.Credentials
		profile session.Profile
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a session obtained from a browser login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.client.Import(cmd.Context(), creds, profile); err != nil {
				return err
			}
			c.display.Imported(c.where)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&creds.AccessToken, "access-token", "", "access token (JWT)")
	f.StringVar(&creds.RefreshToken, "refresh-token", "", "refresh token")
	f.StringVar(&profile.Username, "username", "", "display username")
	f.StringVar(&profile.UserID, "user-id", "", "user id")
	f.StringVar(&profile.Avatar, "avatar", "", "avatar URL")
	f.StringVar(&profile.DiscordUsername, "discord-username", "", "linked Discord username")
	f.StringVar(&profile.PermissionLevel, "permission-level", "", "permission level")
	return cmd
}

func (c *cli) requestCmd() *cobra.Command {
	var (
		data    string
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send an authenticated request and print the response body",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			header, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			req := &session.Request{
				Method: strings.ToUpper(args[0]),
				URL:    args[1],
				Header: header,
			}
			if data != "" {
				req.Body = []byte(data)
			}

			c.display.Requesting(req.Method, args[1])
			resp, err := c.client.Do(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.printResponse(resp)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body (JSON)")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra header as 'Key: value' (repeatable)")
	return cmd
}

func (c *cli) uploadCmd() *cobra.Command {
	var (
		files  []string
		fields []string
	)
	cmd := &cobra.Command{
		Use:   "upload PATH",
		Short: "Upload files as multipart/form-data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			form, err := c.buildForm(fields, files)
			if err != nil {
				return err
			}

			c.display.Requesting(http.MethodPost, args[0])
			resp, err := c.client.Upload(cmd.Context(), args[0], form)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			return c.printResponse(resp)
		},
	}
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "file part as FIELD=path (repeatable)")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "form field as key=value (repeatable)")
	return cmd
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the access token now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := c.client.Refresh(cmd.Context())
			return err
		},
	}
}

// userPath is the backend endpoint describing the logged-in user.
const userPath = "/users/me"

func (c *cli) whoamiCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !remote {
				c.display.ShowProfile(c.client.Profile(ctx))
				return nil
			}

			c.display.Requesting(http.MethodGet, userPath)
			resp, err := c.client.Get(ctx, userPath)
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusUnauthorized {
				resp.Body.Close()
				return errors.New("not logged in")
			}
			profile, err := session.DecodeEnvelope[session.Profile](resp)
			if err != nil {
				return err
			}
			if err := session.SaveProfile(ctx, c.store, profile); err != nil {
				c.log.Warn().Err(err).Msg("failed to cache profile")
			}
			c.display.ShowProfile(profile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "fetch the profile from "+userPath+" and cache it")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.client.Logout(cmd.Context())
			c.display.LoggedOut()
			return nil
		},
	}
}

// printResponse writes the body to stdout and reports the status.
func (c *cli) printResponse(resp *http.Response) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > 0 {
		if _, err := c.stdout.Write(body); err != nil {
			return err
		}
		if body[len(body)-1] != '\n' {
			fmt.Fprintln(c.stdout)
		}
	}
	c.display.Response(resp.StatusCode, string(body))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

// buildForm reads every FIELD=path file into memory through the CLI filesystem.
func (c *cli) buildForm(fields, files []string) (*session.Form, error) {
	if len(files) == 0 && len(fields) == 0 {
		return nil, errors.New("nothing to upload: pass --file or --field")
	}

	form := &session.Form{Fields: make(map[string]string, len(fields))}
	for _, kv := range fields {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --field %q, want key=value", kv)
		}
		form.Fields[key] = value
	}
	for _, part := range files {
		field, path, ok := strings.Cut(part, "=")
		if !ok || field == "" || path == "" {
			return nil, fmt.Errorf("invalid --file %q, want FIELD=path", part)
		}
		data, err := afero.ReadFile(c.fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		form.Files = append(form.Files, session.FormFile{
			Field:    field,
			Filename: filepath.Base(path),
			Content:  bytes.NewReader(data),
		})
	}
	return form, nil
}

// parseHeaders turns "Key: value" strings into an http.Header.
func parseHeaders(raw []string) (http.Header, error) {
	header := make(http.Header, len(raw))
	for _, h := range raw {
		key, value, ok := strings.Cut(h, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Key: value'", h)
		}
		header.Add(key, strings.TrimSpace(value))
	}
	return header, nil
}
