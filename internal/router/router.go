// Package router forwards requests through a chain of hops. Each node sees
// itself as the root: requests addressed to Root run locally, requests for
// a nested remote travel down the link of the direct child that leads to
// it, and every response from below is passed up unchanged.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/codewiresh/hopwire/internal/hop"
	"github.com/codewiresh/hopwire/internal/protocol"
)

// ErrNoRoute is returned for requests addressed to a remote this node has
// no path to.
var ErrNoRoute = errors.New("no route to remote")

// Dialer starts the next hop for a BeginRemote command.
type Dialer interface {
	Dial(ctx context.Context, cmd protocol.Command) (hop.Link, error)
}

// Upstream receives responses from nested hops, and the replies the router
// makes itself for requests it cannot deliver. *protocol.Backend implements
// it.
type Upstream interface {
	Forward(resp protocol.Response) error
	Pipe(id protocol.WritePipe, data []byte) error
	CommandDone(id protocol.ProcessID, exitCode int64) error
	DirectoryListing(id uint64, items []string) error
}

type route struct {
	child  protocol.RemoteID // direct child of this node leading to the remote
	parent protocol.RemoteID
}

// Router dispatches requests arriving at one node.
type Router struct {
	local  protocol.BackendHandler
	dialer Dialer
	up     Upstream

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	links  map[protocol.RemoteID]hop.Link
	routes map[protocol.RemoteID]route
	pumps  sync.WaitGroup
}

// New creates a Router running Root requests on local, opening hops with
// dialer and passing nested responses to up.
func New(local protocol.BackendHandler, dialer Dialer, up Upstream) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		local:  local,
		dialer: dialer,
		up:     up,
		ctx:    ctx,
		cancel: cancel,
		links:  make(map[protocol.RemoteID]hop.Link),
		routes: make(map[protocol.RemoteID]route),
	}
}

// Handle dispatches one request.
func (r *Router) Handle(req protocol.Request) error {
	if req.RemoteID == protocol.Root {
		return req.Route(rootHandler{BackendHandler: r.local, r: r})
	}

	r.mu.Lock()
	rt, ok := r.routes[req.RemoteID]
	var link hop.Link
	if ok {
		link = r.links[rt.child]
	}
	if link == nil {
		r.mu.Unlock()
		slog.Info("dropping request", "kind", req.Kind(), "remote", req.RemoteID, "err", ErrNoRoute)
		return req.Route(unroutable{up: r.up, remote: req.RemoteID})
	}

	// Learn or forget routes before forwarding so a reply racing back
	// cannot observe stale state.
	id, scope := req.Scope()
	switch scope {
	case protocol.ScopeBegin:
		r.routes[id] = route{child: rt.child, parent: req.RemoteID}
	case protocol.ScopeEnd:
		r.dropLocked(id)
	}
	r.mu.Unlock()

	fwd := req
	if req.RemoteID == rt.child {
		// The child serves this remote as its own root.
		fwd = req.Retarget(protocol.Root)
	}
	if err := link.Send(fwd); err != nil {
		return fmt.Errorf("forwarding %s to %s: %w", req.Kind(), rt.child, err)
	}
	return nil
}

// dropLocked forgets id and every remote nested below it.
func (r *Router) dropLocked(id protocol.RemoteID) {
	delete(r.routes, id)
	for {
		removed := false
		for rid, rt := range r.routes {
			if rid == rt.child {
				continue
			}
			if _, ok := r.routes[rt.parent]; !ok && rt.parent != protocol.Root {
				delete(r.routes, rid)
				removed = true
			}
		}
		if !removed {
			return
		}
	}
}

// open dials a hop for a BeginRemote addressed to this node.
func (r *Router) open(id protocol.RemoteID, cmd protocol.Command) error {
	r.mu.Lock()
	if _, exists := r.links[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("begin %s: already open", id)
	}
	r.mu.Unlock()

	link, err := r.dialer.Dial(r.ctx, cmd)
	if err != nil {
		return fmt.Errorf("begin %s: %w", id, err)
	}

	r.mu.Lock()
	r.links[id] = link
	r.routes[id] = route{child: id, parent: protocol.Root}
	r.mu.Unlock()

	r.pumps.Add(1)
	go r.pump(id, link)
	slog.Info("remote opened", "remote", id, "command", cmd.String())
	return nil
}

// pump passes responses from a hop upward until the hop closes.
func (r *Router) pump(id protocol.RemoteID, link hop.Link) {
	defer r.pumps.Done()
	for {
		resp, err := link.Recv()
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				slog.Error("hop read error", "remote", id, "err", err)
			}
			break
		}
		if resp == nil {
			break
		}
		if err := r.up.Forward(*resp); err != nil {
			slog.Error("forwarding response", "remote", id, "kind", resp.Kind(), "err", err)
		}
	}
	slog.Debug("hop pump exited", "remote", id)

	// A hop that went away on its own takes its routes with it.
	r.mu.Lock()
	if r.links[id] == link {
		delete(r.links, id)
		r.dropLocked(id)
	}
	r.mu.Unlock()
}

// close tears down the hop for a direct child.
func (r *Router) close(id protocol.RemoteID) error {
	r.mu.Lock()
	link, ok := r.links[id]
	if ok {
		delete(r.links, id)
		r.dropLocked(id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("end %s: %w", id, ErrNoRoute)
	}
	slog.Info("remote closed", "remote", id)
	return link.Close()
}

// Routes returns the remotes currently reachable through this node.
func (r *Router) Routes() map[protocol.RemoteID]protocol.RemoteID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[protocol.RemoteID]protocol.RemoteID, len(r.routes))
	for id, rt := range r.routes {
		out[id] = rt.child
	}
	return out
}

// Close shuts every hop and waits for their pumps to finish.
func (r *Router) Close() error {
	r.cancel()
	r.mu.Lock()
	links := r.links
	r.links = make(map[protocol.RemoteID]hop.Link)
	r.routes = make(map[protocol.RemoteID]route)
	r.mu.Unlock()

	var errs []error
	for _, l := range links {
		errs = append(errs, l.Close())
	}
	r.pumps.Wait()
	return errors.Join(errs...)
}

// rootHandler runs Root requests: nested-remote lifecycle stays with the
// router, everything else goes to the local executor.
type rootHandler struct {
	protocol.BackendHandler
	r *Router
}

func (h rootHandler) BeginRemote(id protocol.RemoteID, cmd protocol.Command) error {
	return h.r.open(id, cmd)
}

func (h rootHandler) EndRemote(id protocol.RemoteID) error {
	return h.r.close(id)
}

// unroutable answers requests for a remote with no route. Commands finish
// with -1 and listings come back empty so the controller is not left
// waiting; everything else is refused with ErrNoRoute.
type unroutable struct {
	up     Upstream
	remote protocol.RemoteID
}

func (u unroutable) refuse(what string) error {
	return fmt.Errorf("%s for %s: %w", what, u.remote, ErrNoRoute)
}

func (u unroutable) BeginCommand(_ protocol.BlockFor, wp protocol.WriteProcess, cmd protocol.Command) error {
	note := fmt.Sprintf("hw: %s: %s\n", cmd, u.refuse("begin command"))
	errs := []error{
		u.up.Pipe(wp.Stderr, []byte(note)),
		u.up.Pipe(wp.Stdout, nil),
		u.up.Pipe(wp.Stderr, nil),
		u.up.CommandDone(wp.ID, -1),
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("answering unroutable command %s: %w", wp.ID, err)
	}
	return u.refuse("begin command")
}

func (u unroutable) ListDirectory(id uint64, _ string) error {
	if err := u.up.DirectoryListing(id, []string{}); err != nil {
		return fmt.Errorf("answering unroutable listing %d: %w", id, err)
	}
	return u.refuse("list directory")
}

func (u unroutable) CancelCommand(protocol.ProcessID) error { return u.refuse("cancel command") }

func (u unroutable) BeginRemote(protocol.RemoteID, protocol.Command) error {
	return u.refuse("begin remote")
}

func (u unroutable) OpenFile(protocol.WritePipe, string) error { return u.refuse("open file") }
func (u unroutable) EndRemote(protocol.RemoteID) error         { return u.refuse("end remote") }
func (u unroutable) FinishEdit(uint64, []byte) error           { return u.refuse("finish edit") }
func (u unroutable) PipeData(uint64, []byte) error             { return u.refuse("pipe data") }
func (u unroutable) PipeRead(uint64, uint64) error             { return u.refuse("pipe read") }
