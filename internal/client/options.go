package client

import (
	"go.uber.org/zap"

	"github.com/hanpama/gqlflow/internal/eventbus"
	"github.com/hanpama/gqlflow/internal/exchange"
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/request"
)

type Options struct {
	// Exchanges is the chain operations flow through. When nil the client
	// uses dedup, cache and fetch, in that order.
	Exchanges []exchange.Exchange

	// RequestPolicy is the default policy of new operations.
	RequestPolicy operation.RequestPolicy

	// FetchOptions are the default transport options of new operations.
	FetchOptions operation.FetchOptions

	// PreferGetMethod sends queries as GET requests when the URL is short
	// enough.
	PreferGetMethod bool

	// FetchSubscriptions lets the fetch exchange handle subscriptions.
	FetchSubscriptions bool

	// Debug enables the debug side channel. Default is true.
	Debug bool

	Logger *zap.Logger
	Bus    *eventbus.Bus
	Keyer  *request.Keyer
}

type Option func(*Options)

func WithExchanges(ex ...exchange.Exchange) Option {
	return func(o *Options) { o.Exchanges = ex }
}
func WithRequestPolicy(p operation.RequestPolicy) Option {
	return func(o *Options) { o.RequestPolicy = p }
}
func WithFetchOptions(f operation.FetchOptions) Option {
	return func(o *Options) { o.FetchOptions = f }
}
func WithPreferGetMethod(enable bool) Option    { return func(o *Options) { o.PreferGetMethod = enable } }
func WithFetchSubscriptions(enable bool) Option { return func(o *Options) { o.FetchSubscriptions = enable } }
func WithDebug(enable bool) Option              { return func(o *Options) { o.Debug = enable } }
func WithLogger(l *zap.Logger) Option           { return func(o *Options) { o.Logger = l } }
func WithBus(b *eventbus.Bus) Option            { return func(o *Options) { o.Bus = b } }
func WithKeyer(k *request.Keyer) Option         { return func(o *Options) { o.Keyer = k } }

// ContextOption overrides a field of an operation context for one call.
type ContextOption func(*operation.Context)

func Policy(p operation.RequestPolicy) ContextOption {
	return func(c *operation.Context) { c.RequestPolicy = p }
}
func URL(url string) ContextOption { return func(c *operation.Context) { c.URL = url } }
func Header(key, value string) ContextOption {
	return func(c *operation.Context) {
		if c.FetchOptions.Headers == nil {
			c.FetchOptions.Headers = make(map[string][]string)
		}
		c.FetchOptions.Headers.Add(key, value)
	}
}
func AdditionalTypenames(names ...string) ContextOption {
	return func(c *operation.Context) {
		c.AdditionalTypenames = append(c.AdditionalTypenames, names...)
	}
}
func PreferGetMethod(enable bool) ContextOption {
	return func(c *operation.Context) { c.PreferGetMethod = enable }
}
func Extension(key string, value any) ContextOption {
	return func(c *operation.Context) {
		if c.Extensions == nil {
			c.Extensions = make(map[string]any)
		}
		c.Extensions[key] = value
	}
}
