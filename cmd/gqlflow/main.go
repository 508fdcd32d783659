package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/gqlflow/internal/client"
	"github.com/hanpama/gqlflow/internal/eventbus"
	"github.com/hanpama/gqlflow/internal/exchange"
	"github.com/hanpama/gqlflow/internal/language"
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/otel"
	"github.com/hanpama/gqlflow/internal/request"
	"github.com/hanpama/gqlflow/internal/stream"
	"github.com/hanpama/gqlflow/internal/wsclient"
)

const rootUsage = `gqlflow — GraphQL client engine tools

USAGE:
  gqlflow <command> [flags]

COMMANDS:
  query            Run a query or mutation over HTTP and print the result
  subscribe        Stream a subscription over graphql-transport-ws
  key              Print the request key of a document and variables
  help             Show help for any command
`

const queryUsage = `query FLAGS:
  -client.url <url>          GraphQL endpoint (required)
  -client.policy <policy>    cache-first | cache-only | network-only | cache-and-network
                             (default: cache-first)
  -client.get                Send queries as GET when the URL is short enough
  -client.timeout <duration> Time to wait for the result (default: 30s)
  -header "Name: value"      Request header. Repeatable
  -query <document>          GraphQL document
  -query.file <file>         Read the document from a file
  -variables <json>          Variables object
  -otel.endpoint <addr>      OTLP collector endpoint
  -otel.service <name>       OpenTelemetry service name (default: gqlflow)
  -log.json                  Log JSON to stderr
  -log.debug                 Log every operation and result
`

const subscribeUsage = `subscribe FLAGS:
  -ws.url <url>              graphql-transport-ws endpoint (required)
  -ws.params <json>          connection_init payload
  -header "Name: value"      Handshake header. Repeatable
  -query <document>          GraphQL document
  -query.file <file>         Read the document from a file
  -variables <json>          Variables object
  -otel.endpoint <addr>      OTLP collector endpoint
  -otel.service <name>       OpenTelemetry service name (default: gqlflow)
  -log.json                  Log JSON to stderr
  -log.debug                 Log every operation and result
`

const keyUsage = `key FLAGS:
  -query <document>          GraphQL document
  -query.file <file>         Read the document from a file
  -variables <json>          Variables object
`

var stdout io.Writer = os.Stdout

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("gqlflow", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "query":
		return cmdQuery(cmdArgs)
	case "subscribe":
		return cmdSubscribe(cmdArgs)
	case "key":
		return cmdKey(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "query":
		fmt.Fprint(stdout, queryUsage)
	case "subscribe":
		fmt.Fprint(stdout, subscribeUsage)
	case "key":
		fmt.Fprint(stdout, keyUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// documentFlags are shared by every command that takes a document.
type documentFlags struct {
	query     string
	queryFile string
	variables string
}

func (d *documentFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.query, "query", "", "GraphQL document")
	fs.StringVar(&d.queryFile, "query.file", "", "Read the document from a file")
	fs.StringVar(&d.variables, "variables", "", "Variables object")
}

func (d *documentFlags) load() (string, map[string]any, error) {
	query := d.query
	if d.queryFile != "" {
		raw, err := os.ReadFile(d.queryFile)
		if err != nil {
			return "", nil, err
		}
		query = string(raw)
	}
	if strings.TrimSpace(query) == "" {
		return "", nil, fmt.Errorf("-query or -query.file is required")
	}
	var vars map[string]any
	if d.variables != "" {
		if err := json.Unmarshal([]byte(d.variables), &vars); err != nil {
			return "", nil, fmt.Errorf("parse -variables: %w", err)
		}
	}
	return query, vars, nil
}

// ambientFlags configure logging and telemetry.
type ambientFlags struct {
	logJSON      bool
	logDebug     bool
	otelEndpoint string
	otelService  string
	headers      stringListFlag
}

func (a *ambientFlags) register(fs *flag.FlagSet) {
	a.otelService = "gqlflow"
	fs.BoolVar(&a.logJSON, "log.json", false, "Log JSON to stderr")
	fs.BoolVar(&a.logDebug, "log.debug", false, "Log every operation and result")
	fs.StringVar(&a.otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	fs.StringVar(&a.otelService, "otel.service", a.otelService, "OpenTelemetry service name")
	fs.Var(&a.headers, "header", "Request header")
}

func (a *ambientFlags) logger() (*zap.Logger, error) {
	var cfg zap.Config
	if a.logJSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	if a.logDebug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func (a *ambientFlags) header() (map[string][]string, error) {
	out := map[string][]string{}
	for _, h := range a.headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q", h)
		}
		out[name] = append(out[name], strings.TrimSpace(value))
	}
	return out, nil
}

func (a *ambientFlags) exchanges(logger *zap.Logger, rest ...exchange.Exchange) []exchange.Exchange {
	if !a.logDebug {
		return rest
	}
	return append([]exchange.Exchange{exchange.Debug(logger)}, rest...)
}

func cmdQuery(args []string) error {
	url := ""
	policy := operation.CacheFirst.String()
	preferGet := false
	timeout := 30 * time.Second
	var doc documentFlags
	var amb ambientFlags

	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&url, "client.url", url, "GraphQL endpoint")
	fs.StringVar(&policy, "client.policy", policy, "Request policy")
	fs.BoolVar(&preferGet, "client.get", preferGet, "Send queries as GET")
	fs.DurationVar(&timeout, "client.timeout", timeout, "Time to wait for the result")
	doc.register(fs)
	amb.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, queryUsage)
		return err
	}
	if url == "" {
		fmt.Fprint(os.Stderr, queryUsage)
		return fmt.Errorf("-client.url is required")
	}
	p, err := operation.ParseRequestPolicy(policy)
	if err != nil {
		return err
	}
	query, vars, err := doc.load()
	if err != nil {
		return err
	}
	header, err := amb.header()
	if err != nil {
		return err
	}

	logger, err := amb.logger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	bus := eventbus.New()
	shutdown, err := otel.Setup(bus, amb.otelEndpoint, amb.otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	c := client.New(url,
		client.WithLogger(logger),
		client.WithBus(bus),
		client.WithRequestPolicy(p),
		client.WithPreferGetMethod(preferGet),
		client.WithFetchOptions(operation.FetchOptions{Headers: header}),
		client.WithExchanges(amb.exchanges(logger,
			exchange.Dedup,
			exchange.Cache(exchange.CacheOptions{}),
			exchange.Fetch(exchange.FetchOptions{Bus: bus}),
		)...),
	)
	defer c.Close()

	req, err := c.CreateRequest(query, vars)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	kind, err := documentKind(req)
	if err != nil {
		return err
	}
	if kind == operation.Subscription {
		return fmt.Errorf("use the subscribe command for subscriptions")
	}
	op, err := c.CreateRequestOperation(kind, req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := c.ExecuteRequestOperation(op).Result(ctx)
	if err != nil {
		return err
	}
	if err := printResult(stdout, res, true); err != nil {
		return err
	}
	if res.Error != nil && res.Error.NetworkError != nil {
		return res.Error.NetworkError
	}
	return nil
}

func cmdSubscribe(args []string) error {
	url := ""
	params := ""
	var doc documentFlags
	var amb ambientFlags

	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&url, "ws.url", url, "graphql-transport-ws endpoint")
	fs.StringVar(&params, "ws.params", params, "connection_init payload")
	doc.register(fs)
	amb.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, subscribeUsage)
		return err
	}
	if url == "" {
		fmt.Fprint(os.Stderr, subscribeUsage)
		return fmt.Errorf("-ws.url is required")
	}
	query, vars, err := doc.load()
	if err != nil {
		return err
	}
	header, err := amb.header()
	if err != nil {
		return err
	}
	var connParams map[string]any
	if params != "" {
		if err := json.Unmarshal([]byte(params), &connParams); err != nil {
			return fmt.Errorf("parse -ws.params: %w", err)
		}
	}

	logger, err := amb.logger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	bus := eventbus.New()
	shutdown, err := otel.Setup(bus, amb.otelEndpoint, amb.otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	ws := wsclient.New(wsclient.Options{
		URL:              url,
		Header:           header,
		ConnectionParams: connParams,
		Logger:           logger,
	})
	defer ws.Close()

	c := client.New(url,
		client.WithLogger(logger),
		client.WithBus(bus),
		client.WithExchanges(amb.exchanges(logger,
			exchange.Subscription(exchange.SubscriptionOptions{
				Forwarder:           ws,
				EnableAllOperations: true,
				Bus:                 bus,
			}),
		)...),
	)
	defer c.Close()

	req, err := c.CreateRequest(query, vars)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	kind, err := documentKind(req)
	if err != nil {
		return err
	}
	op, err := c.CreateRequestOperation(kind, req)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	done := make(chan struct{})
	var sub stream.Subscription
	var printErr error
	c.Run(func() {
		sub = stream.SubscribeSink(c.ExecuteRequestOperation(op).Source(), stream.Sink[*operation.Result]{
			Next: func(res *operation.Result) {
				if printErr == nil {
					printErr = printResult(stdout, res, false)
				}
			},
			End: func() { close(done) },
		})
	})

	select {
	case <-done:
	case <-ctx.Done():
		logger.Info("interrupted")
		c.Run(func() { sub.Unsubscribe() })
	}
	return printErr
}

func cmdKey(args []string) error {
	var doc documentFlags
	fs := flag.NewFlagSet("key", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	doc.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, keyUsage)
		return err
	}
	query, vars, err := doc.load()
	if err != nil {
		return err
	}
	req, err := request.NewKeyer(0).CreateRequest(query, vars)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	_, err = fmt.Fprintln(stdout, uint32(req.Key))
	return err
}

func documentKind(req operation.Request) (operation.Kind, error) {
	typ, ok := language.OperationType(req.Query)
	if !ok {
		return 0, fmt.Errorf("document has no operation")
	}
	kind, ok := operation.KindOf(typ)
	if !ok {
		return 0, fmt.Errorf("unsupported operation type %q", typ)
	}
	return kind, nil
}

// printResult writes res as a GraphQL response object.
func printResult(w io.Writer, res *operation.Result, indent bool) error {
	out := map[string]any{"data": res.Data}
	if res.Error != nil {
		if len(res.Error.GraphQLErrors) > 0 {
			out["errors"] = res.Error.GraphQLErrors
		}
		if res.Error.NetworkError != nil {
			out["networkError"] = res.Error.NetworkError.Error()
		}
	}
	if len(res.Extensions) > 0 {
		out["extensions"] = res.Extensions
	}
	if res.HasNext {
		out["hasNext"] = true
	}
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(out)
}
