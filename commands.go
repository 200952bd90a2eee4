package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/go-authgate/mobileid-cli/apiclient"
	"github.com/go-authgate/mobileid-cli/credentials"
	"github.com/go-authgate/mobileid-cli/tui"
)

// errSignedOut is returned when a command ended with the session torn down.
var errSignedOut = errors.New("session expired: run 'mobileid login' to sign in again")

func newRootCmd() *cobra.Command {
	var flags rootFlags
	var cfg *config

	rootCmd := &cobra.Command{
		Use:           "mobileid",
		Short:         "Authenticated client for the MobileID API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(flags.debug)
			var err error
			cfg, err = loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				cmd.PrintErrln("Error:", err)
			}
			return err
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.serverURL, "server-url", "", "API server URL (default: "+defaultServerURL+" or SERVER_URL env)")
	pf.StringVar(&flags.clientID, "client-id", "", "Client ID used to key stored credentials (or CLIENT_ID env)")
	pf.StringVar(&flags.tokenFile, "token-file", "", "Credential file or database path (or TOKEN_FILE env)")
	pf.StringVar(&flags.tokenStore, "token-store", "", "Credential backend: file or sqlite (or TOKEN_STORE env)")
	pf.StringVar(&flags.requestTimeout, "timeout", "", "Per-request timeout (default: 10s or REQUEST_TIMEOUT env)")
	pf.StringVar(&flags.failOpen, "fail-open", "", "Treat inconclusive session checks as signed in (default: true or FAIL_OPEN env)")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	getCfg := func() *config { return cfg }
	rootCmd.AddCommand(
		callCmd(getCfg),
		refreshCmd(getCfg),
		waitCmd(getCfg),
		loginCmd(getCfg),
		logoutCmd(getCfg),
		statusCmd(getCfg),
	)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	return rootCmd
}

// withApp builds the app for one command run and closes it afterwards.
func withApp(
	cfg *config,
	allowTUI bool,
	fn func(ctx context.Context, a *app, d tui.Displayer) error,
) error {
	return runUI(allowTUI, func(ctx context.Context, d tui.Displayer) error {
		d.Banner(cfg.ServerURL)
		return runWithApp(ctx, cfg, d, fn)
	})
}

func runWithApp(
	ctx context.Context,
	cfg *config,
	d tui.Displayer,
	fn func(ctx context.Context, a *app, d tui.Displayer) error,
) error {
	a, err := newApp(ctx, cfg, d)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close credential store")
		}
	}()

	return withSignOutHint(fn(ctx, a, d), a.signedOut.Load())
}

// withSignOutHint points the user at login when the run ended without a
// session. An unrecoverable auth failure counts even before the reauthenticate
// hook has run, since escalation signs out on its own goroutine.
func withSignOutHint(err error, signedOut bool) error {
	switch {
	case errors.Is(err, errSignedOut):
		return err
	case errors.Is(err, apiclient.ErrAuthenticationFailed), err != nil && signedOut:
		return fmt.Errorf("%w: %w", err, errSignedOut)
	case err == nil && signedOut:
		return errSignedOut
	default:
		return err
	}
}

type callOptions struct {
	method   string
	data     string
	headers  []string
	parallel int
	wait     bool
}

func callCmd(cfg func() *config) *cobra.Command {
	var opts callOptions

	cmd := &cobra.Command{
		Use:   "call <endpoint>",
		Short: "Call an API endpoint with automatic credential refresh",
		Long: "Call an API endpoint. Rejected credentials are refreshed and the call is retried once. " +
			"When the server is unavailable the call waits for it to come back and is sent again.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg(), true, func(ctx context.Context, a *app, d tui.Displayer) error {
				return runCall(ctx, a, d, args[0], opts, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVarP(&opts.method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "Request body (JSON); @file reads it from a file")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, "Extra header \"Name: value\" (repeatable)")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 1, "Send the call this many times concurrently")
	cmd.Flags().BoolVar(&opts.wait, "wait", true, "Wait for an unavailable server and send the call again")

	return cmd
}

func runCall(
	ctx context.Context,
	a *app,
	d tui.Displayer,
	endpoint string,
	opts callOptions,
	out io.Writer,
) error {
	headers, err := parseHeaders(opts.headers)
	if err != nil {
		return err
	}
	var body any
	if opts.data != "" {
		data, err := readData(opts.data)
		if err != nil {
			return err
		}
		body = data
	}
	req := apiclient.RequestOptions{
		Method:  opts.method,
		Headers: headers,
		Body:    body,
	}

	n := max(opts.parallel, 1)
	results := make([][]byte, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			d.CallStarted(strings.ToUpper(req.Method), endpoint)
			resp, err := callOnce(gctx, a, req, endpoint, opts.wait)
			if err != nil {
				d.CallFailed(endpoint, err)
				return describeCallError(err)
			}
			d.CallOK(endpoint, resp.Status)
			results[i] = resp.Body
			return nil
		})
	}
	err = g.Wait()

	for _, b := range results {
		if len(b) > 0 {
			fmt.Fprintln(out, strings.TrimSpace(string(b)))
		}
	}
	if err != nil {
		return err
	}
	if n == 1 {
		d.Done("Call succeeded")
	} else {
		d.Done(fmt.Sprintf("All %d calls succeeded", n))
	}
	return nil
}

// callOnce sends the call. With wait set, a server-unavailable failure blocks
// until the poller reports the server ready and the call is sent once more.
func callOnce(
	ctx context.Context,
	a *app,
	req apiclient.RequestOptions,
	endpoint string,
	wait bool,
) (*apiclient.Response, error) {
	resp, err := a.client.Do(ctx, endpoint, req)
	if err == nil || !wait || !errors.Is(err, apiclient.ErrServerUnavailable) {
		return resp, err
	}
	if werr := a.poller.WaitForServer(ctx); werr != nil {
		return nil, fmt.Errorf("%w (waiting for server: %v)", err, werr)
	}
	return a.client.Do(ctx, endpoint, req)
}

// describeCallError adds field detail to validation failures.
func describeCallError(err error) error {
	var verr *apiclient.ValidationError
	if !errors.As(err, &verr) || len(verr.Fields) == 0 {
		return err
	}
	parts := make([]string, 0, len(verr.Fields))
	for field, msg := range verr.Fields {
		parts = append(parts, fmt.Sprintf("%s: %v", field, msg))
	}
	return fmt.Errorf("%w: %s", err, strings.Join(parts, "; "))
}

// readData returns raw, or the contents of the file when raw is "@path".
func readData(raw string) ([]byte, error) {
	path, ok := strings.CutPrefix(raw, "@")
	if !ok {
		return []byte(raw), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return data, nil
}

func refreshCmd(cfg func() *config) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored access credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg(), true, func(ctx context.Context, a *app, d tui.Displayer) error {
				if a.store.Refresh() == "" {
					return apiclient.ErrNoRefreshToken
				}
				if !a.client.Refresh(ctx) {
					return errors.New("credential refresh failed")
				}
				d.Done("Access credential refreshed")
				return nil
			})
		},
	}
}

func waitCmd(cfg func() *config) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until the server reports healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg(), true, func(ctx context.Context, a *app, d tui.Displayer) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				start := time.Now()
				if err := a.poller.WaitForServer(ctx); err != nil {
					return fmt.Errorf("server did not become ready: %w", err)
				}
				d.Done(fmt.Sprintf("Server ready after %s", time.Since(start).Round(time.Second)))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "max-wait", 0, "Give up after this long (0 waits forever)")
	return cmd
}

func loginCmd(cfg func() *config) *cobra.Command {
	var username, path string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a username and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				username = promptForInput(cmd.ErrOrStderr(), "Username: ")
			}
			password := promptForPassword(cmd.ErrOrStderr(), "Password: ")
			if username == "" || password == "" {
				return errors.New("username and password cannot be empty")
			}
			if path == "" {
				path = cfg().LoginPath
			}

			// Prompts need the terminal, so login always uses plain output.
			return withApp(cfg(), false, func(ctx context.Context, a *app, d tui.Displayer) error {
				creds := map[string]string{"username": username, "password": password}
				err := a.client.Login(ctx, path, creds)
				if errors.Is(err, apiclient.ErrServerUnavailable) {
					if werr := a.poller.WaitForServer(ctx); werr == nil {
						err = a.client.Login(ctx, path, creds)
					}
				}
				if err != nil {
					return describeCallError(err)
				}
				d.Done("Signed in, credentials saved to " + a.storeDesc)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted if empty)")
	cmd.Flags().StringVar(&path, "path", "", "Login endpoint (default: "+defaultLoginPath+" or LOGIN_PATH env)")
	return cmd
}

func logoutCmd(cfg func() *config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and delete stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg(), true, func(ctx context.Context, a *app, d tui.Displayer) error {
				a.client.Logout(ctx)
				d.Done("Signed out")
				return nil
			})
		},
	}
}

func statusCmd(cfg func() *config) *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg(), true, func(ctx context.Context, a *app, d tui.Displayer) error {
				if verify && !a.client.VerifySession(ctx, a.cfg.ProfilePath) {
					d.Status(sessionInfo(a))
					return errors.New("session is not valid")
				}
				d.Status(sessionInfo(a))
				d.Done("")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "Check the session against the server")
	return cmd
}

// sessionInfo summarizes the stored credentials without revealing them.
func sessionInfo(a *app) tui.SessionInfo {
	info := tui.SessionInfo{Server: a.cfg.ServerURL, Store: a.storeDesc}
	pair := a.store.Get()
	if pair == nil {
		return info
	}
	info.SignedIn = true
	info.HasRefresh = pair.Refresh != ""
	info.AccessPreview = pair.Access
	if len(info.AccessPreview) > 12 {
		info.AccessPreview = info.AccessPreview[:12]
	}
	if exp, err := credentials.AccessExpiry(pair.Access); err == nil {
		info.ExpiresAt = exp
	}
	return info
}

// stdin is shared so consecutive prompts do not lose buffered input.
var stdin = bufio.NewReader(os.Stdin)

// promptForInput prompts on w and reads one trimmed line from stdin.
func promptForInput(w io.Writer, prompt string) string {
	fmt.Fprint(w, prompt)
	input, err := stdin.ReadString('\n')
	if err != nil && input == "" {
		return ""
	}
	return strings.TrimSpace(input)
}

// promptForPassword reads a password without echo when stdin is a terminal.
func promptForPassword(w io.Writer, prompt string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptForInput(w, prompt)
	}
	fmt.Fprint(w, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(password))
}
