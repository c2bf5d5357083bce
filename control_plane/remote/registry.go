package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/store"
)

// Strategy tags a transport in the fallback chain.
type Strategy string

const (
	StrategyStream Strategy = "stream"
	StrategyHTTP   Strategy = "http"
)

// DefaultStrategies is the fallback order: persistent stream first, then
// one-shot HTTP.
var DefaultStrategies = []Strategy{StrategyStream, StrategyHTTP}

// TransportStrategy is one entry of the fallback chain.
type TransportStrategy struct {
	Kind   Strategy
	Client Client
}

// ServerLookup resolves a server id to its record. store.Store satisfies it.
type ServerLookup interface {
	GetServer(ctx context.Context, id string) (*store.Server, error)
}

// StaticServers maps server ids to base URLs, for deployments that
// configure servers instead of storing them.
type StaticServers map[string]string

func (s StaticServers) GetServer(ctx context.Context, id string) (*store.Server, error) {
	u, ok := s[id]
	if !ok {
		return nil, nil
	}
	return &store.Server{ID: id, Name: id, URL: u}, nil
}

// FallbackLookup consults each lookup in turn and returns the first hit.
type FallbackLookup []ServerLookup

func (f FallbackLookup) GetServer(ctx context.Context, id string) (*store.Server, error) {
	for _, l := range f {
		srv, err := l.GetServer(ctx, id)
		if err != nil {
			return nil, err
		}
		if srv != nil {
			return srv, nil
		}
	}
	return nil, nil
}

// ClientFactory builds the client for one strategy.
type ClientFactory func(kind Strategy, server *store.Server, token string) (Client, error)

type session struct {
	refs       int
	strategies []TransportStrategy
}

// Registry owns the clients of every remote server, keyed by server id.
// Acquire and Release are reference counted; the clients of a server are
// closed when its last user releases it.
type Registry struct {
	servers ServerLookup
	creds   CredentialResolver
	order   []Strategy
	factory ClientFactory
	log     *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewRegistry(servers ServerLookup, creds CredentialResolver, order []Strategy) *Registry {
	if len(order) == 0 {
		order = DefaultStrategies
	}
	if creds == nil {
		creds = StaticCredentials{}
	}
	hc := &http.Client{}
	return &Registry{
		servers: servers,
		creds:   creds,
		order:   order,
		factory: func(kind Strategy, server *store.Server, token string) (Client, error) {
			return DefaultClient(kind, server, token, hc)
		},
		log:      logging.For("remote-registry"),
		sessions: make(map[string]*session),
	}
}

// DefaultClient builds the WebSocket or HTTP client for a server. The
// stream endpoint is <url>/ws and the HTTP endpoint is <url>/rpc.
func DefaultClient(kind Strategy, server *store.Server, token string, hc *http.Client) (Client, error) {
	base := strings.TrimRight(server.URL, "/")
	switch kind {
	case StrategyStream:
		wsURL, err := websocketURL(base + "/ws")
		if err != nil {
			return nil, err
		}
		return NewStreamClient(server.ID, wsURL, token), nil
	case StrategyHTTP:
		return NewHTTPClient(server.ID, base+"/rpc", token, hc), nil
	default:
		return nil, fmt.Errorf("unknown transport strategy %q", kind)
	}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Acquire returns the strategies for serverID, building clients on first
// use. Every successful Acquire must be paired with Release.
func (r *Registry) Acquire(ctx context.Context, serverID string) ([]TransportStrategy, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClientClosed
	}
	if s, ok := r.sessions[serverID]; ok {
		s.refs++
		r.mu.Unlock()
		return s.strategies, nil
	}
	r.mu.Unlock()

	built, err := r.build(ctx, serverID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		closeStrategies(built)
		return nil, ErrClientClosed
	}
	if s, ok := r.sessions[serverID]; ok {
		// Someone else built it first.
		closeStrategies(built)
		s.refs++
		return s.strategies, nil
	}
	r.sessions[serverID] = &session{refs: 1, strategies: built}
	return built, nil
}

func (r *Registry) build(ctx context.Context, serverID string) ([]TransportStrategy, error) {
	server, err := r.servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, resilience.ServerNotFound(serverID)
	}
	token, err := r.creds.ResolveCredential(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential for %s: %w", serverID, err)
	}

	strategies := make([]TransportStrategy, 0, len(r.order))
	for _, kind := range r.order {
		client, err := r.factory(kind, server, token)
		if err != nil {
			closeStrategies(strategies)
			return nil, err
		}
		strategies = append(strategies, TransportStrategy{Kind: kind, Client: client})
	}
	return strategies, nil
}

// Release drops one reference to serverID.
func (r *Registry) Release(serverID string) {
	r.mu.Lock()
	s, ok := r.sessions[serverID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, serverID)
	r.mu.Unlock()

	closeStrategies(s.strategies)
}

// Len returns the number of servers with live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every client and rejects further Acquire calls.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := closeStrategies(s.strategies); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	r.log.WithField("servers", len(sessions)).Info("closed remote clients")
	return errors.Join(errs...)
}

func closeStrategies(strategies []TransportStrategy) error {
	var errs []error
	for _, s := range strategies {
		if err := s.Client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
