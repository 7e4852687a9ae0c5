package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyijun/hachimi"
)

const (
	defaultDialTimeout  = 30 * time.Second
	maxParallelRegister = 8
)

// Registry connects to MCP servers and merges their tool catalogs into
// one namespace. Tool names are left bare while unique process-wide;
// the moment two servers expose the same raw name, every tool involved
// in the collision is addressed as "server:name". Registration failures
// are isolated per server, and invocation routes by qualified name.
//
// Registry implements hachimi.ToolRouter.
type Registry struct {
	logger      *slog.Logger
	dialTimeout time.Duration

	mu      sync.RWMutex
	servers map[string]*serverConn
	order   []string // registration order, drives catalog order
	catalog *catalog
}

var _ hachimi.ToolRouter = (*Registry)(nil)

type serverConn struct {
	name      string
	transport Transport // nil for Failed-state records
	kind      string
	tools     []toolInfo
	prompts   []promptInfo
	lastErr   error
	connected atomic.Bool
	closed    atomic.Bool
	calls     atomic.Int64
	errs      atomic.Int64
}

// failed reports whether this is a Failed-state record: the handshake
// never completed and there is no transport behind it.
func (c *serverConn) failed() bool { return c.transport == nil }

// catalog is an immutable snapshot, swapped wholesale on every
// registration change so readers never see a half-built index.
type catalog struct {
	tools   []hachimi.ToolDescriptor
	prompts []hachimi.PromptDescriptor
	routes  map[string]route
}

type route struct {
	server string
	raw    string
}

var emptyCatalog = &catalog{routes: map[string]route{}}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithDialTimeout bounds each server's connect-and-handshake (default 30s).
func WithDialTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.dialTimeout = d }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		dialTimeout: defaultDialTimeout,
		servers:     make(map[string]*serverConn),
		catalog:     emptyCatalog,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r
}

// Register connects one server, performs the MCP handshake, and merges
// its catalog. Fails with hachimi.ErrDuplicateServer if the name is
// held by a live server and a *hachimi.TransportError if the handshake
// fails. A failed handshake leaves a Failed-state record under the
// name, visible in Stats and reported as unavailable on invocation; a
// later Register under the same name may replace it.
func (r *Registry) Register(ctx context.Context, name string, cfg TransportConfig) error {
	if err := validateServerName(name); err != nil {
		return err
	}
	if r.nameTaken(name) {
		return fmt.Errorf("%w: %q", hachimi.ErrDuplicateServer, name)
	}

	conn, err := r.connect(ctx, name, cfg)
	if err != nil {
		r.mu.Lock()
		if existing, ok := r.servers[name]; !ok || existing.failed() {
			r.recordFailureLocked(name, cfg.Kind(), err)
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.servers[name]; ok && !existing.failed() {
		_ = conn.transport.Close()
		return fmt.Errorf("%w: %q", hachimi.ErrDuplicateServer, name)
	}
	r.insertLocked(name, conn)
	r.rebuildLocked()
	r.logger.Info("server registered",
		"server", name,
		"transport", conn.kind,
		"tools", len(conn.tools),
		"prompts", len(conn.prompts))
	return nil
}

// nameTaken reports whether a live (non-failed) server holds the name.
func (r *Registry) nameTaken(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.servers[name]
	return ok && !conn.failed()
}

// insertLocked adds a server entry, replacing a Failed-state record
// without duplicating its slot in the registration order.
func (r *Registry) insertLocked(name string, conn *serverConn) {
	if _, ok := r.servers[name]; !ok {
		r.order = append(r.order, name)
	}
	r.servers[name] = conn
}

// recordFailureLocked keeps a Failed-state record for a server whose
// handshake failed, so monitoring can see it and qualified invocations
// report it unavailable rather than unknown.
func (r *Registry) recordFailureLocked(name, kind string, err error) {
	r.insertLocked(name, &serverConn{name: name, kind: kind, lastErr: err})
}

// RegisterAll connects the given servers in parallel. One server's
// failure never affects the others; the returned map holds an entry per
// failed server and is empty when all succeeded. The merged index is
// rebuilt once, after all handshakes settle.
func (r *Registry) RegisterAll(ctx context.Context, configs map[string]TransportConfig) map[string]error {
	failures := make(map[string]error)
	names := make([]string, 0, len(configs))
	for name := range configs {
		if err := validateServerName(name); err != nil {
			failures[name] = err
			continue
		}
		if r.nameTaken(name) {
			failures[name] = fmt.Errorf("%w: %q", hachimi.ErrDuplicateServer, name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var failMu sync.Mutex
	conns := make(map[string]*serverConn, len(names))

	var g errgroup.Group
	g.SetLimit(maxParallelRegister)
	for _, name := range names {
		name := name
		g.Go(func() error {
			conn, err := r.connect(ctx, name, configs[name])
			failMu.Lock()
			defer failMu.Unlock()
			if err != nil {
				failures[name] = err
				return nil
			}
			conns[name] = conn
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	for _, name := range names {
		if conn, ok := conns[name]; ok {
			if existing, exists := r.servers[name]; exists && !existing.failed() {
				_ = conn.transport.Close()
				failures[name] = fmt.Errorf("%w: %q", hachimi.ErrDuplicateServer, name)
				continue
			}
			r.insertLocked(name, conn)
			continue
		}
		if err := failures[name]; err != nil {
			if existing, exists := r.servers[name]; !exists || existing.failed() {
				r.recordFailureLocked(name, configs[name].Kind(), err)
			}
		}
	}
	r.rebuildLocked()
	r.mu.Unlock()

	for name, err := range failures {
		r.logger.Warn("server registration failed", "server", name, "error", err)
	}
	r.logger.Info("registration complete",
		"requested", len(configs),
		"connected", len(conns),
		"failed", len(failures))
	return failures
}

// connect dials and handshakes one server without touching registry
// state. Prompt listing is optional: servers without prompt support are
// fine.
func (r *Registry) connect(ctx context.Context, name string, cfg TransportConfig) (*serverConn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()

	transport, err := cfg.Dial(ctx, r.logger.With("server", name))
	if err != nil {
		return nil, &hachimi.TransportError{Server: name, Err: err}
	}
	fail := func(stage string, err error) (*serverConn, error) {
		_ = transport.Close()
		return nil, &hachimi.TransportError{Server: name, Err: fmt.Errorf("%s: %w", stage, err)}
	}

	init, err := call[initializeResult](ctx, transport, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      implementation{Name: clientName, Version: clientVersion},
	})
	if err != nil {
		return fail("initialize", err)
	}
	if err := transport.Notify(ctx, methodInitialized, struct{}{}); err != nil {
		return fail("initialized", err)
	}

	tools, err := call[listToolsResult](ctx, transport, methodListTools, struct{}{})
	if err != nil {
		return fail("tools/list", err)
	}

	var prompts listPromptsResult
	if init.Capabilities.Prompts != nil {
		prompts, err = call[listPromptsResult](ctx, transport, methodListPrompts, struct{}{})
		if err != nil {
			var rpcErr *rpcError
			if !errors.As(err, &rpcErr) || rpcErr.Code != codeMethodNotFound {
				return fail("prompts/list", err)
			}
			prompts = listPromptsResult{}
		}
	}

	conn := &serverConn{
		name:      name,
		transport: transport,
		kind:      transport.Kind(),
		tools:     tools.Tools,
		prompts:   prompts.Prompts,
	}
	conn.connected.Store(true)
	return conn, nil
}

// rebuildLocked recomputes the merged catalog. Raw names shared by two
// or more servers are qualified on every colliding tool; a collision
// retroactively renames the earlier tool too. Within one server a
// duplicated raw name keeps its first occurrence.
func (r *Registry) rebuildLocked() {
	counts := make(map[string]int)
	for _, name := range r.order {
		seen := make(map[string]bool)
		for _, t := range r.servers[name].tools {
			if seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			counts[t.Name]++
		}
	}

	cat := &catalog{routes: make(map[string]route)}
	for _, name := range r.order {
		conn := r.servers[name]
		seen := make(map[string]bool)
		for _, t := range conn.tools {
			if seen[t.Name] {
				r.logger.Warn("duplicate tool name within server, keeping first",
					"server", name, "tool", t.Name)
				continue
			}
			seen[t.Name] = true
			qualified := t.Name
			if counts[t.Name] > 1 {
				qualified = name + ":" + t.Name
			}
			cat.routes[qualified] = route{server: name, raw: t.Name}
			cat.tools = append(cat.tools, hachimi.ToolDescriptor{
				QualifiedName: qualified,
				RawName:       t.Name,
				Server:        name,
				Description:   t.Description,
				InputSchema:   t.InputSchema,
			})
		}
		for _, p := range conn.prompts {
			args := make(map[string]string, len(p.Arguments))
			for _, a := range p.Arguments {
				args[a.Name] = a.Description
			}
			cat.prompts = append(cat.prompts, hachimi.PromptDescriptor{
				Name:        p.Name,
				Server:      name,
				Description: p.Description,
				Arguments:   args,
			})
		}
	}
	r.catalog = cat
}

func (r *Registry) snapshot() *catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// ListAllTools returns the merged catalog in registration order.
func (r *Registry) ListAllTools() []hachimi.ToolDescriptor {
	cat := r.snapshot()
	out := make([]hachimi.ToolDescriptor, len(cat.tools))
	copy(out, cat.tools)
	return out
}

// ListAllPrompts returns every advertised prompt with server attribution.
func (r *Registry) ListAllPrompts() []hachimi.PromptDescriptor {
	cat := r.snapshot()
	out := make([]hachimi.PromptDescriptor, len(cat.prompts))
	copy(out, cat.prompts)
	return out
}

// Invoke routes a call by qualified name and returns the flattened text
// result. An unavailable server is reported without a network attempt.
func (r *Registry) Invoke(ctx context.Context, qualifiedName string, args json.RawMessage) (string, error) {
	cat := r.snapshot()
	rt, ok := cat.routes[qualifiedName]
	if !ok {
		if server, _, qualified := strings.Cut(qualifiedName, ":"); qualified {
			r.mu.RLock()
			conn := r.servers[server]
			r.mu.RUnlock()
			if conn == nil {
				return "", fmt.Errorf("%w: %q", hachimi.ErrUnknownServer, server)
			}
			if !conn.connected.Load() {
				return "", fmt.Errorf("%w: %q", hachimi.ErrServerUnavailable, server)
			}
		}
		return "", fmt.Errorf("%w: %q", hachimi.ErrUnknownTool, qualifiedName)
	}

	r.mu.RLock()
	conn := r.servers[rt.server]
	r.mu.RUnlock()
	if conn == nil || !conn.connected.Load() {
		return "", fmt.Errorf("%w: %q", hachimi.ErrServerUnavailable, rt.server)
	}

	conn.calls.Add(1)
	result, err := call[callToolResult](ctx, conn.transport, methodCallTool, callToolParams{
		Name:      rt.raw,
		Arguments: args,
	})
	if err != nil {
		conn.errs.Add(1)
		if errors.Is(err, errPipeClosed) {
			conn.connected.Store(false)
			return "", fmt.Errorf("%w: %q", hachimi.ErrServerUnavailable, rt.server)
		}
		return "", &hachimi.TransportError{Server: rt.server, Err: err}
	}
	if result.IsError {
		conn.errs.Add(1)
		return "", fmt.Errorf("tool %q reported an error: %s", qualifiedName, result.flatten())
	}
	return result.flatten(), nil
}

// GetPrompt fetches a prompt template rendered as "role: text" lines.
// With an empty server every connected server advertising the prompt is
// tried in registration order, continuing past per-server failures.
func (r *Registry) GetPrompt(ctx context.Context, server, name string, args map[string]string) (string, error) {
	if server == "" {
		return r.findPrompt(ctx, name, args)
	}
	r.mu.RLock()
	conn := r.servers[server]
	r.mu.RUnlock()
	if conn == nil {
		return "", fmt.Errorf("%w: %q", hachimi.ErrUnknownServer, server)
	}
	if !conn.connected.Load() {
		return "", fmt.Errorf("%w: %q", hachimi.ErrServerUnavailable, server)
	}
	result, err := call[getPromptResult](ctx, conn.transport, methodGetPrompt, getPromptParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		conn.errs.Add(1)
		return "", &hachimi.TransportError{Server: server, Err: err}
	}
	return result.flatten(), nil
}

func (r *Registry) findPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	r.mu.RLock()
	var candidates []*serverConn
	for _, sname := range r.order {
		conn := r.servers[sname]
		if !conn.connected.Load() {
			continue
		}
		for _, p := range conn.prompts {
			if p.Name == name {
				candidates = append(candidates, conn)
				break
			}
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return "", fmt.Errorf("prompt %q is not advertised by any connected server", name)
	}
	var lastErr error
	for _, conn := range candidates {
		result, err := call[getPromptResult](ctx, conn.transport, methodGetPrompt, getPromptParams{
			Name:      name,
			Arguments: args,
		})
		if err != nil {
			conn.errs.Add(1)
			lastErr = &hachimi.TransportError{Server: conn.name, Err: err}
			r.logger.Warn("prompt fetch failed, trying next server",
				"server", conn.name, "prompt", name, "error", err)
			continue
		}
		return result.flatten(), nil
	}
	return "", lastErr
}

// Close shuts every transport down. Each server closes independently;
// one failure never skips the rest.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := make([]*serverConn, 0, len(r.order))
	for _, name := range r.order {
		conns = append(conns, r.servers[name])
	}
	r.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		conn.connected.Store(false)
		if conn.failed() || conn.closed.Swap(true) {
			continue
		}
		if err := conn.transport.Close(); err != nil {
			r.logger.Warn("server close failed", "server", conn.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", conn.name, err))
		}
	}
	return errors.Join(errs...)
}

// Stats reports per-server connection and catalog state.
func (r *Registry) Stats() hachimi.RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := hachimi.RouterStats{
		Servers: make(map[string]hachimi.ServerStats, len(r.servers)),
		Tools:   len(r.catalog.tools),
		Prompts: len(r.catalog.prompts),
	}
	for name, conn := range r.servers {
		st := hachimi.ServerStats{
			Connected: conn.connected.Load(),
			Transport: conn.kind,
			Tools:     len(conn.tools),
			Prompts:   len(conn.prompts),
			Calls:     conn.calls.Load(),
			Errors:    conn.errs.Load(),
		}
		if conn.lastErr != nil {
			st.LastError = conn.lastErr.Error()
		}
		stats.Servers[name] = st
	}
	return stats
}

// validateServerName rejects names that would break qualified routing.
func validateServerName(name string) error {
	if name == "" {
		return errors.New("server name must not be empty")
	}
	if strings.ContainsAny(name, ": \t\n") {
		return fmt.Errorf("server name %q must not contain colons or whitespace", name)
	}
	return nil
}
