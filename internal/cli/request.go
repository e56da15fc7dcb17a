package cli

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/frankli0324/go-dispatch/internal"
	"github.com/frankli0324/go-dispatch/internal/config"
	"github.com/frankli0324/go-dispatch/internal/model"
	"github.com/frankli0324/go-dispatch/internal/observe"
)

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request METHOD URL",
		Short: "Send one request and print the response",
		Long: `Request sends METHOD URL and prints the status line, the response headers
with lowercase names and the body. Statuses of 300 and above (other than a
followed 307) are printed as well, and make the command fail.`,
		Args: cobra.ExactArgs(2),
		RunE: runRequest,
	}
	cmd.Flags().StringArrayP("header", "H", nil, "request header, repeatable (e.g. -H 'x-ms-version: 2014-06-01')")
	cmd.Flags().StringP("data", "d", "", "request body")
	cmd.Flags().String("proxy", "", "CONNECT proxy as host:port")
	cmd.Flags().String("proxy-user", "", "proxy user name")
	cmd.Flags().String("proxy-password", "", "proxy password")
	cmd.Flags().String("cert", "", "client certificate: PEM file or system store reference")
	cmd.Flags().Int("timeout", 0, "timeout in seconds (default from config, 65)")
	cmd.Flags().String("user-agent", "", "User-Agent header")
	cmd.Flags().Int("max-redirects", 0, "maximum 307 redirects to follow (default from config, 10)")
	cmd.Flags().Bool("metrics", false, "print hop metrics to stderr once the request is done")
	return cmd
}

func runRequest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req, err := buildRequest(cmd, args[0], args[1])
	if err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logCfg := observe.LogConfig{Level: cfg.Log.Level, Development: cfg.Log.Development}
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := observe.NewZap(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	client := internal.New(cfg, internal.WithObserver(observe.Multi{
		observe.NewLogger(logger),
		observe.NewTracer(nil),
		observe.NewMetrics(reg),
	}))

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	resp, err := client.Do(ctx, req)
	if dump, _ := cmd.Flags().GetBool("metrics"); dump {
		if merr := writeMetrics(cmd.ErrOrStderr(), reg); merr != nil {
			return errors.Join(err, merr)
		}
	}

	out := cmd.OutOrStdout()
	var he *model.HTTPError
	if errors.As(err, &he) {
		printResponse(out, he.Status, he.Message, he.Headers, he.Body)
		return err
	}
	if err != nil {
		return err
	}
	printResponse(out, resp.Status, resp.Reason, resp.Headers, resp.Body)
	return nil
}

// loadConfig reads --config or the environment and applies the flags on
// top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FromEnv("")
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("proxy") {
		proxy, _ := flags.GetString("proxy")
		host, port, err := net.SplitHostPort(proxy)
		if err != nil {
			return nil, fmt.Errorf("--proxy must be host:port: %w", err)
		}
		cfg.ProxyHost = host
		if cfg.ProxyPort, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("--proxy port %q: %w", port, err)
		}
	}
	if flags.Changed("proxy-user") {
		cfg.ProxyUser, _ = flags.GetString("proxy-user")
	}
	if flags.Changed("proxy-password") {
		cfg.ProxyPassword, _ = flags.GetString("proxy-password")
	}
	if flags.Changed("cert") {
		cfg.CertificateRef, _ = flags.GetString("cert")
	}
	if flags.Changed("timeout") {
		cfg.TimeoutSeconds, _ = flags.GetInt("timeout")
	}
	if flags.Changed("user-agent") {
		cfg.UserAgent, _ = flags.GetString("user-agent")
	}
	if flags.Changed("max-redirects") {
		cfg.MaxRedirects, _ = flags.GetInt("max-redirects")
	}
	return cfg, cfg.Validate()
}

// buildRequest splits rawURL into the request fields. query pairs are
// decoded here since the request encodes them again when it is built.
func buildRequest(cmd *cobra.Command, method, rawURL string) (*model.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", rawURL)
	}
	req := &model.Request{Method: strings.ToUpper(method), Host: u.Host, Path: u.Path}
	if req.Path == "" {
		req.Path = "/"
	}
	switch s := strings.ToLower(u.Scheme); s {
	case "http", "https":
		req.Protocol = s
	case "":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.RawQuery != "" {
		for _, kv := range strings.Split(u.RawQuery, "&") {
			name, value, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			q := model.QueryParam{}
			if q.Name, err = url.QueryUnescape(name); err != nil {
				return nil, err
			}
			if q.Value, err = url.QueryUnescape(value); err != nil {
				return nil, err
			}
			req.Query = append(req.Query, q)
		}
	}

	rawHeaders, _ := cmd.Flags().GetStringArray("header")
	for _, h := range rawHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("header %q must look like 'Name: value'", h)
		}
		req.Headers = append(req.Headers, model.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	if cmd.Flags().Changed("data") {
		data, _ := cmd.Flags().GetString("data")
		req.Body = []byte(data)
	}
	return req, nil
}

func printResponse(w io.Writer, status int, reason string, h model.Headers, body []byte) {
	fmt.Fprintf(w, "%d %s\n", status, reason)
	for _, f := range h {
		fmt.Fprintf(w, "%s: %s\n", f.Name, f.Value)
	}
	if body != nil {
		fmt.Fprintf(w, "\n%s\n", body)
	}
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
