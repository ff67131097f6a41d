package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/interceptors/pkg/batch"
	"github.com/getmockd/interceptors/pkg/cli/internal/flags"
	"github.com/getmockd/interceptors/pkg/cli/internal/output"
	"github.com/getmockd/interceptors/pkg/clientrequest"
	"github.com/getmockd/interceptors/pkg/config"
	"github.com/getmockd/interceptors/pkg/handlers"
	"github.com/getmockd/interceptors/pkg/interceptor"
	"github.com/getmockd/interceptors/pkg/metrics"
	"github.com/getmockd/interceptors/pkg/requestlog"
	"github.com/getmockd/interceptors/pkg/roundtrip"
)

// Interception layers selectable with --layer.
const (
	layerSocket    = "socket"
	layerTransport = "transport"
	layerBoth      = "both"
)

var (
	fetchMethod   string
	fetchHeaders  flags.Headers
	fetchData     string
	fetchHandlers flags.StringSlice
	fetchLayer    string
	fetchTrace    bool
	fetchInclude  bool
	fetchShowLog  bool
	fetchMetrics  bool
	fetchTimeout  time.Duration
	fetchInsecure bool
)

// FetchOutput is the JSON result of fetch.
type FetchOutput struct {
	Status  int                 `json:"status"`
	Proto   string              `json:"proto"`
	Headers http.Header         `json:"headers"`
	Body    string              `json:"body"`
	Log     []*requestlog.Entry `json:"log"`
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Perform one request with interception applied",
	Long: `Fetch performs an HTTP request through an intercepted transport.

Handler files (--handlers, the configuration, or INTERCEPT_HANDLERS) decide
the request. A request no handler matches goes to the real server.

The socket layer intercepts at the connection: the transport dials into the
interceptor and the request is parsed from the bytes it writes. The transport
layer wraps the client's RoundTripper instead. With "both" the request is seen
by the transport layer first and, when passed through, by the socket layer.`,
	Example: `  # Answer from a handler file
  intercept fetch --handlers mocks/users.yaml https://api.example.test/users

  # Show the connection trace and the request log entry
  intercept fetch --trace --show-log -H 'Accept: application/json' http://localhost:8080/health

  # POST a body read from a file
  intercept fetch -X POST -d @user.json --handlers 'mocks/**/*.yaml' https://api.example.test/users`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	logger := cfg.Logger(stderr)

	set, err := loadHandlerSet(cfg, logger)
	if err != nil {
		return err
	}
	if fetchMetrics {
		metrics.Init()
	}

	transport := &http.Transport{}
	if fetchInsecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in flag
	}
	client := &http.Client{Transport: transport}

	b, err := buildInterceptors(cfg, transport, client, logger)
	if err != nil {
		return err
	}
	if _, err := b.OnRequest(set.Handle); err != nil {
		return err
	}
	store := requestlog.NewMemoryStore(0)
	rec := requestlog.NewRecorder(store)
	for _, m := range b.Members() {
		if err := rec.Attach(m); err != nil {
			return err
		}
	}
	sub, unsubscribe := store.Subscribe()
	defer unsubscribe()

	if err := b.Apply(); err != nil {
		return fmt.Errorf("applying interceptors: %w", err)
	}
	defer func() {
		if err := b.Dispose(); err != nil {
			logger.Warn("disposing interceptors", "error", err)
		}
	}()

	req, cancel, err := newFetchRequest(cmd.Context(), cfg, args[0], stderr)
	if err != nil {
		return err
	}
	defer cancel()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	awaitLogged(sub, store, 2*time.Second)
	out := FetchOutput{
		Status:  resp.StatusCode,
		Proto:   resp.Proto,
		Headers: resp.Header,
		Body:    string(body),
		Log:     store.List(nil),
	}

	err = printResult(stdout, out, func() {
		if fetchInclude {
			fmt.Fprintf(stdout, "%s %s\n", resp.Proto, resp.Status)
			writeHeaders(stdout, resp.Header)
			fmt.Fprintln(stdout)
		}
		_, _ = stdout.Write(body)
		if len(body) > 0 && body[len(body)-1] != '\n' {
			fmt.Fprintln(stdout)
		}
		if fetchShowLog {
			printLog(stderr, out.Log)
		}
	})
	if err != nil {
		return err
	}

	if fetchMetrics {
		if _, err := metrics.DefaultRegistry().WriteTo(stderr); err != nil {
			return err
		}
	}
	return nil
}

// loadHandlerSet compiles the handler files named by the configuration and
// --handlers. No files yields an empty set.
func loadHandlerSet(cfg *config.Config, logger *slog.Logger) (*handlers.Set, error) {
	globs := append(append([]string{}, cfg.Handlers...), fetchHandlers...)
	if len(globs) == 0 {
		return handlers.NewSet(nil, handlers.WithLogger(logger))
	}
	f, err := handlers.LoadGlob(globs...)
	if err != nil {
		return nil, fmt.Errorf("loading handlers: %w", err)
	}
	set, err := handlers.NewSet(f, handlers.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("compiling handlers: %w", err)
	}
	return set, nil
}

func buildInterceptors(cfg *config.Config, transport *http.Transport, client *http.Client, logger *slog.Logger) (*batch.Batch, error) {
	registry := interceptor.NewRegistry()
	var members []*interceptor.Interceptor

	if fetchLayer == layerTransport || fetchLayer == layerBoth {
		ic, err := roundtrip.New(roundtrip.Options{Client: client, Registry: registry, Logger: logger})
		if err != nil {
			return nil, err
		}
		members = append(members, ic)
	}
	if fetchLayer == layerSocket || fetchLayer == layerBoth {
		opts := cfg.ClientRequestOptions(transport, logger)
		opts.Registry = registry
		ic, err := clientrequest.New(opts)
		if err != nil {
			return nil, err
		}
		members = append(members, ic)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("unknown layer %q (want %s, %s or %s)", fetchLayer, layerSocket, layerTransport, layerBoth)
	}
	return batch.New("fetch", members...)
}

func newFetchRequest(ctx context.Context, cfg *config.Config, url string, stderr io.Writer) (*http.Request, context.CancelFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := fetchTimeout
	if timeout == 0 {
		timeout = cfg.Resolution.Timeout.Std()
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	if fetchTrace {
		ctx = httptrace.WithClientTrace(ctx, traceTo(stderr))
	}

	var body io.Reader
	if fetchData != "" {
		data := []byte(fetchData)
		if name, ok := strings.CutPrefix(fetchData, "@"); ok {
			b, err := os.ReadFile(name)
			if err != nil {
				cancel()
				return nil, nil, fmt.Errorf("reading request body: %w", err)
			}
			data = b
		}
		body = strings.NewReader(string(data))
	}

	method := fetchMethod
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("invalid request: %w", err)
	}
	for k, vs := range fetchHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "intercept/"+Version)
	}
	return req, cancel, nil
}

// traceTo prints connection milestones in curl's verbose style.
func traceTo(w io.Writer) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(info httptrace.DNSStartInfo) {
			fmt.Fprintf(w, "* Resolving %s\n", info.Host)
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			if info.Err != nil {
				fmt.Fprintf(w, "* Lookup failed: %v\n", info.Err)
				return
			}
			addrs := make([]string, 0, len(info.Addrs))
			for _, a := range info.Addrs {
				addrs = append(addrs, a.String())
			}
			fmt.Fprintf(w, "* Resolved to %s\n", strings.Join(addrs, ", "))
		},
		ConnectDone: func(network, addr string, err error) {
			if err != nil {
				fmt.Fprintf(w, "* Connect to %s failed: %v\n", addr, err)
				return
			}
			fmt.Fprintf(w, "* Connected to %s\n", addr)
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			if err == nil {
				fmt.Fprintf(w, "* TLS handshake done (%s)\n", tls.VersionName(state.Version))
			}
		},
		GotConn: func(info httptrace.GotConnInfo) {
			fmt.Fprintf(w, "* Using connection (reused: %t)\n", info.Reused)
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err != nil {
				fmt.Fprintf(w, "* Writing request failed: %v\n", info.Err)
				return
			}
			fmt.Fprintln(w, "* Request sent")
		},
		GotFirstResponseByte: func() {
			fmt.Fprintln(w, "* Response started")
		},
	}
}

// awaitLogged waits until every logged entry completed or failed.
func awaitLogged(sub requestlog.Subscriber, store requestlog.Store, timeout time.Duration) {
	settled := func() bool {
		entries := store.List(nil)
		if len(entries) == 0 {
			return false
		}
		for _, e := range entries {
			if !e.Completed && e.Error == "" {
				return false
			}
		}
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for !settled() {
		select {
		case <-sub:
		case <-deadline.C:
			return
		}
	}
}

func writeHeaders(w io.Writer, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(w, "%s: %s\n", k, v)
		}
	}
}

func printLog(w io.Writer, entries []*requestlog.Entry) {
	tw := output.Table(w)
	fmt.Fprintln(tw, "LAYER\tMETHOD\tURL\tSTATUS\tMOCKED\tERROR")
	for _, e := range entries {
		status := "-"
		if e.Completed {
			status = fmt.Sprint(e.ResponseStatus)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", e.Interceptor, e.Method, e.URL, status, e.Mocked, e.Error)
	}
	_ = tw.Flush()
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "request", "X", "", "HTTP method (default GET, or POST with --data)")
	fetchCmd.Flags().VarP(&fetchHeaders, "header", "H", "Request header \"Name: value\" (repeatable)")
	fetchCmd.Flags().StringVarP(&fetchData, "data", "d", "", "Request body, or @file to read it from a file")
	fetchCmd.Flags().Var(&fetchHandlers, "handlers", "Handler file or glob (repeatable)")
	fetchCmd.Flags().StringVar(&fetchLayer, "layer", layerSocket, "Interception layer: socket, transport or both")
	fetchCmd.Flags().BoolVar(&fetchTrace, "trace", false, "Print connection milestones to stderr")
	fetchCmd.Flags().BoolVarP(&fetchInclude, "include", "i", false, "Print the status line and response headers")
	fetchCmd.Flags().BoolVar(&fetchShowLog, "show-log", false, "Print the request log to stderr")
	fetchCmd.Flags().BoolVar(&fetchMetrics, "metrics", false, "Print interception metrics to stderr")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 0, "Request timeout (default from configuration)")
	fetchCmd.Flags().BoolVarP(&fetchInsecure, "insecure", "k", false, "Skip TLS certificate verification on passthrough")
	rootCmd.AddCommand(fetchCmd)
}
