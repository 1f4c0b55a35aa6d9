package router

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codewiresh/hopwire/internal/executor"
	"github.com/codewiresh/hopwire/internal/hop"
	"github.com/codewiresh/hopwire/internal/protocol"
)

// ---------------------------------------------------------------------------
// In-memory hops
// ---------------------------------------------------------------------------

// queue is a closable message channel used as a protocol.Transport.
type queue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newQueue() *queue { return &queue{ch: make(chan []byte, 4096)} }

func (q *queue) Send(msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	q.ch <- append([]byte{}, msg...)
	return nil
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func decodeRequest(t *testing.T, msg []byte) protocol.Request {
	var req protocol.Request
	if err := protocol.JSONLines.NewDecoder(bytes.NewReader(msg)).Decode(&req); err != nil {
		t.Errorf("decoding request: %v", err)
	}
	return req
}

// node is an in-process hopwire node: router in front of an executor.
type node struct {
	name     string
	requests *queue
	router   *Router
	exec     *executor.Executor
	received chan protocol.Request
	done     chan struct{}
}

func startNode(t *testing.T, name string, dialer Dialer, responses protocol.Transport) *node {
	backend := protocol.NewBackend(responses)
	n := &node{
		name:     name,
		requests: newQueue(),
		exec:     executor.New(backend, executor.Options{Node: name}),
		received: make(chan protocol.Request, 4096),
		done:     make(chan struct{}),
	}
	n.router = New(n.exec, dialer, backend)
	go func() {
		defer close(n.done)
		for msg := range n.requests.ch {
			req := decodeRequest(t, msg)
			n.received <- req
			if err := n.router.Handle(req); err != nil {
				t.Logf("%s: %v", name, err)
			}
		}
		n.router.Close()
		n.exec.Close()
	}()
	return n
}

// memLink connects a parent router to a child node.
type memLink struct {
	child     *node
	responses *queue
	codec     protocol.Codec
}

func (l *memLink) Send(req protocol.Request) error {
	data, err := l.codec.Marshal(&req)
	if err != nil {
		return err
	}
	return l.child.requests.Send(data)
}

func (l *memLink) Recv() (*protocol.Response, error) {
	msg, ok := <-l.responses.ch
	if !ok {
		return nil, nil
	}
	var resp protocol.Response
	if err := l.codec.NewDecoder(bytes.NewReader(msg)).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (l *memLink) Close() error {
	l.child.requests.close()
	<-l.child.done
	l.responses.close()
	return nil
}

type fakeDialer struct {
	t     *testing.T
	mu    sync.Mutex
	nodes []*node
}

func (d *fakeDialer) Dial(_ context.Context, cmd protocol.Command) (hop.Link, error) {
	if cmd.Name() == "fail" {
		return nil, errors.New("dial refused")
	}
	responses := newQueue()
	child := startNode(d.t, strings.Join(cmd.Args(), "/"), d, responses)
	d.mu.Lock()
	d.nodes = append(d.nodes, child)
	d.mu.Unlock()
	return &memLink{child: child, responses: responses, codec: protocol.JSONLines}, nil
}

func (d *fakeDialer) node(t *testing.T, i int) *node {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.nodes) {
		t.Fatalf("node %d not dialed (have %d)", i, len(d.nodes))
	}
	return d.nodes[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.nodes)
}

// ---------------------------------------------------------------------------
// Controller side
// ---------------------------------------------------------------------------

type results struct {
	mu       sync.Mutex
	out      map[uint64]*bytes.Buffer
	done     map[protocol.ProcessID]int64
	listings map[uint64][]string
}

func (r *results) CommandDone(_ *protocol.Endpoint, id protocol.ProcessID, code int64) error {
	r.mu.Lock()
	r.done[id] = code
	r.mu.Unlock()
	return nil
}

func (r *results) DirectoryListing(_ *protocol.Endpoint, id uint64, items []string) error {
	r.mu.Lock()
	r.listings[id] = items
	r.mu.Unlock()
	return nil
}

func (r *results) EditRequest(*protocol.Endpoint, uint64, protocol.ProcessID, string, []byte) error {
	return nil
}

func (r *results) Pipe(_ *protocol.Endpoint, id protocol.ReadPipe, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.out[id.ID()]
	if !ok {
		buf = &bytes.Buffer{}
		r.out[id.ID()] = buf
	}
	buf.Write(data)
	return nil
}

func (r *results) PipeRead(*protocol.Endpoint, protocol.WritePipe, uint64) error { return nil }

type controller struct {
	ep     *protocol.Endpoint
	top    *node
	dialer *fakeDialer
	res    *results
}

func newController(t *testing.T) *controller {
	t.Helper()
	dialer := &fakeDialer{t: t}
	responses := newQueue()
	c := &controller{
		dialer: dialer,
		res: &results{
			out:      make(map[uint64]*bytes.Buffer),
			done:     make(map[protocol.ProcessID]int64),
			listings: make(map[uint64][]string),
		},
	}
	c.top = startNode(t, "top", dialer, responses)
	c.ep = protocol.NewEndpoint(c.top.requests, c.res)
	go func() {
		for msg := range responses.ch {
			var resp protocol.Response
			if err := protocol.JSONLines.NewDecoder(bytes.NewReader(msg)).Decode(&resp); err != nil {
				t.Errorf("decoding response: %v", err)
				continue
			}
			c.ep.Receive(resp)
		}
	}()
	t.Cleanup(func() {
		c.top.requests.close()
		<-c.top.done
		responses.close()
	})
	return c
}

func (c *controller) wait(t *testing.T, id protocol.ProcessID) int64 {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c.res.mu.Lock()
		code, ok := c.res.done[id]
		c.res.mu.Unlock()
		if ok {
			return code
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", id)
	return 0
}

func (c *controller) output(p protocol.ReadPipe) string {
	c.res.mu.Lock()
	defer c.res.mu.Unlock()
	if buf, ok := c.res.out[p.ID()]; ok {
		return buf.String()
	}
	return ""
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRootRequestsRunLocally(t *testing.T) {
	c := newController(t)
	proc, err := c.ep.Command(protocol.Root, protocol.NewCommand("echo", "local"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code := c.wait(t, proc.ID); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if got := c.output(proc.Stdout); got != "local\n" {
		t.Errorf("stdout = %q", got)
	}
	if c.dialer.count() != 0 {
		t.Error("local command dialed a hop")
	}
}

func TestNestedRemoteIsRetargetedToRoot(t *testing.T) {
	c := newController(t)
	r1, err := c.ep.Remote(protocol.Root, protocol.NewCommand("hop", "a"))
	if err != nil {
		t.Fatal(err)
	}
	proc, err := c.ep.Command(r1, protocol.NewCommand("echo", "from a"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code := c.wait(t, proc.ID); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if got := c.output(proc.Stdout); got != "from a\n" {
		t.Errorf("stdout = %q", got)
	}

	child := c.dialer.node(t, 0)
	select {
	case req := <-child.received:
		if req.RemoteID != protocol.Root || req.Kind() != "BeginCommand" {
			t.Errorf("child received %s for %s, want BeginCommand for root", req.Kind(), req.RemoteID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child received nothing")
	}
}

func TestTwoLevelChain(t *testing.T) {
	c := newController(t)
	r1, err := c.ep.Remote(protocol.Root, protocol.NewCommand("hop", "a"))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := c.ep.Remote(r1, protocol.NewCommand("hop", "b"))
	if err != nil {
		t.Fatal(err)
	}
	proc, err := c.ep.Command(r2, protocol.NewCommand("echo", "from b"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code := c.wait(t, proc.ID); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if got := c.output(proc.Stdout); got != "from b\n" {
		t.Errorf("stdout = %q", got)
	}
	if n := c.dialer.count(); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}

	routes := c.top.router.Routes()
	if routes[r1] != r1 || routes[r2] != r1 {
		t.Errorf("top routes = %v, want %s and %s via %s", routes, r1, r2, r1)
	}
	childRoutes := c.dialer.node(t, 0).router.Routes()
	if childRoutes[r2] != r2 {
		t.Errorf("child routes = %v, want %s direct", childRoutes, r2)
	}
}

func TestCloseRemoteDropsRoutes(t *testing.T) {
	c := newController(t)
	r1, _ := c.ep.Remote(protocol.Root, protocol.NewCommand("hop", "a"))
	r2, _ := c.ep.Remote(r1, protocol.NewCommand("hop", "b"))

	eventually(t, "second hop", func() bool { return c.dialer.count() == 2 })

	if err := c.ep.CloseRemote(r2); err != nil {
		t.Fatal(err)
	}
	eventually(t, "r2 route dropped", func() bool {
		_, ok := c.top.router.Routes()[r2]
		return !ok
	})
	eventually(t, "child link closed", func() bool {
		_, ok := c.dialer.node(t, 0).router.Routes()[r2]
		return !ok
	})
	select {
	case <-c.dialer.node(t, 1).done:
	case <-time.After(5 * time.Second):
		t.Fatal("grandchild node still running")
	}

	if err := c.ep.CloseRemote(r1); err != nil {
		t.Fatal(err)
	}
	eventually(t, "all routes dropped", func() bool { return len(c.top.router.Routes()) == 0 })
}

func TestCloseParentCascadesRoutes(t *testing.T) {
	c := newController(t)
	r1, _ := c.ep.Remote(protocol.Root, protocol.NewCommand("hop", "a"))
	r2, _ := c.ep.Remote(r1, protocol.NewCommand("hop", "b"))
	r3, _ := c.ep.Remote(r2, protocol.NewCommand("hop", "c"))

	eventually(t, "three hops", func() bool { return c.dialer.count() == 3 })
	if len(c.top.router.Routes()) != 3 {
		t.Fatalf("routes = %v", c.top.router.Routes())
	}

	if err := c.ep.CloseRemote(r2); err != nil {
		t.Fatal(err)
	}
	eventually(t, "r2 and r3 dropped", func() bool {
		routes := c.top.router.Routes()
		_, has2 := routes[r2]
		_, has3 := routes[r3]
		return !has2 && !has3
	})
	if _, ok := c.top.router.Routes()[r1]; !ok {
		t.Error("closing r2 dropped r1")
	}
}

func TestUnknownRemoteHasNoRoute(t *testing.T) {
	r := New(executor.New(nopEmitter{}, executor.Options{}), &fakeDialer{t: t}, nopUpstream{})
	defer r.Close()

	req := decodeRequest(t, []byte(`{"remote_id":99,"message":{"CancelCommand":{"id":1}}}`+"\n"))
	if err := r.Handle(req); !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
}

func TestDialFailure(t *testing.T) {
	r := New(executor.New(nopEmitter{}, executor.Options{}), &fakeDialer{t: t}, nopUpstream{})
	defer r.Close()

	req := decodeRequest(t, []byte(`{"remote_id":0,"message":{"BeginRemote":{"id":4,"command":{"Unknown":{"name":"fail","args":[]}}}}}`+"\n"))
	if err := r.Handle(req); err == nil {
		t.Fatal("expected dial error")
	}
	if len(r.Routes()) != 0 {
		t.Error("failed dial left a route")
	}
}

func TestDialFailureAnswersRequests(t *testing.T) {
	c := newController(t)
	remote, err := c.ep.Remote(protocol.Root, protocol.NewCommand("fail"))
	if err != nil {
		t.Fatal(err)
	}
	proc, err := c.ep.Command(remote, protocol.NewCommand("echo", "never"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code := c.wait(t, proc.ID); code != -1 {
		t.Fatalf("exit = %d, want -1", code)
	}
	if got := c.output(proc.Stderr); !strings.Contains(got, "no route to remote") {
		t.Errorf("stderr = %q, want no route note", got)
	}
	eventually(t, "stdout closed", func() bool { return !c.ep.PipeOpen(proc.Stdout.ID()) })

	id, err := c.ep.ListDirectory(remote, ".")
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "empty listing", func() bool {
		c.res.mu.Lock()
		defer c.res.mu.Unlock()
		items, ok := c.res.listings[id]
		return ok && len(items) == 0
	})
}

func TestEndRemoteUnknownChild(t *testing.T) {
	r := New(executor.New(nopEmitter{}, executor.Options{}), &fakeDialer{t: t}, nopUpstream{})
	defer r.Close()

	req := decodeRequest(t, []byte(`{"remote_id":0,"message":{"EndRemote":{"id":7}}}`+"\n"))
	if err := r.Handle(req); !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
}

type nopUpstream struct{}

func (nopUpstream) Forward(protocol.Response) error             { return nil }
func (nopUpstream) Pipe(protocol.WritePipe, []byte) error       { return nil }
func (nopUpstream) CommandDone(protocol.ProcessID, int64) error { return nil }
func (nopUpstream) DirectoryListing(uint64, []string) error     { return nil }

type nopEmitter struct{}

func (nopEmitter) Pipe(protocol.WritePipe, []byte) error                        { return nil }
func (nopEmitter) PipeRead(protocol.ReadPipe, uint64) error                     { return nil }
func (nopEmitter) CommandDone(protocol.ProcessID, int64) error                  { return nil }
func (nopEmitter) DirectoryListing(uint64, []string) error                      { return nil }
func (nopEmitter) EditRequest(protocol.ProcessID, uint64, string, []byte) error { return nil }
