package dapclient

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-dap"

	"github.com/chrisc11/chainwalk/pkg/chain"
	"github.com/chrisc11/chainwalk/pkg/inspect"
)

// fakeAdapter is a scripted DAP server serving a frozen variable tree, just
// enough protocol for the client under test.
type fakeAdapter struct {
	listener net.Listener
	evals    map[string]dap.EvaluateResponseBody
	vars     map[int][]dap.Variable
	seq      int
}

func startFakeAdapter(t *testing.T) *fakeAdapter {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake adapter listen: %v", err)
	}
	a := &fakeAdapter{
		listener: listener,
		evals:    make(map[string]dap.EvaluateResponseBody),
		vars:     make(map[int][]dap.Variable),
	}
	t.Cleanup(func() { listener.Close() })
	go a.serve()
	return a
}

func (a *fakeAdapter) addr() string {
	return a.listener.Addr().String()
}

// chain3 scripts the variable tree of the demo program stopped after
// pushing 16807, 282475249 and 1622650073.
func (a *fakeAdapter) chain3() {
	a.evals["s_list_head"] = dap.EvaluateResponseBody{
		Result: "0x20001040", Type: "node *", VariablesReference: 1, MemoryReference: "0x20001040",
	}
	node := func(payload string, next string, nextRef int) []dap.Variable {
		return []dap.Variable{
			{Name: "random_value", Value: payload, Type: "uint32_t"},
			{Name: "next", Value: next, Type: "node *", VariablesReference: nextRef, MemoryReference: next},
		}
	}
	a.vars[1] = node("1622650073", "0x20001020", 2)
	a.vars[2] = node("282475249", "0x20001000", 3)
	a.vars[3] = node("16807", "0x0", 0)
}

func (a *fakeAdapter) serve() {
	conn, err := a.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		m, err := dap.ReadProtocolMessage(reader)
		if err != nil {
			return
		}
		switch request := m.(type) {
		case *dap.InitializeRequest:
			// An event before the response, the client must skip it.
			e := &dap.InitializedEvent{Event: *a.newEvent("initialized")}
			dap.WriteProtocolMessage(conn, e)
			resp := &dap.InitializeResponse{Response: *a.newResponse(request.Request)}
			resp.Body.SupportsConfigurationDoneRequest = true
			dap.WriteProtocolMessage(conn, resp)
		case *dap.EvaluateRequest:
			body, ok := a.evals[request.Arguments.Expression]
			if !ok {
				dap.WriteProtocolMessage(conn, a.newError(request.Request, 2001, "unable to evaluate expression"))
				continue
			}
			resp := &dap.EvaluateResponse{Response: *a.newResponse(request.Request), Body: body}
			dap.WriteProtocolMessage(conn, resp)
		case *dap.VariablesRequest:
			children, ok := a.vars[request.Arguments.VariablesReference]
			if !ok {
				dap.WriteProtocolMessage(conn, a.newError(request.Request, 2002, "unable to read memory"))
				continue
			}
			resp := &dap.VariablesResponse{Response: *a.newResponse(request.Request)}
			resp.Body.Variables = children
			dap.WriteProtocolMessage(conn, resp)
		case *dap.DisconnectRequest:
			resp := &dap.DisconnectResponse{Response: *a.newResponse(request.Request)}
			dap.WriteProtocolMessage(conn, resp)
			return
		default:
			// Anything else is a client bug for the purposes of this test.
			return
		}
	}
}

func (a *fakeAdapter) newResponse(request dap.Request) *dap.Response {
	a.seq++
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: a.seq, Type: "response"},
		Command:         request.Command,
		RequestSeq:      request.Seq,
		Success:         true,
	}
}

func (a *fakeAdapter) newEvent(event string) *dap.Event {
	a.seq++
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: a.seq, Type: "event"},
		Event:           event,
	}
}

func (a *fakeAdapter) newError(request dap.Request, id int, format string) *dap.ErrorResponse {
	er := &dap.ErrorResponse{Response: *a.newResponse(request)}
	er.Success = false
	er.Message = format
	er.Body.Error = &dap.ErrorMessage{Id: id, Format: format}
	return er
}

func connectFake(t *testing.T, a *fakeAdapter) *Session {
	t.Helper()
	s, err := Connect(a.addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.SetTimeout(5 * time.Second)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveAndTraverse(t *testing.T) {
	a := startFakeAdapter(t)
	a.chain3()
	s := connectFake(t, a)

	head, err := s.ResolveSymbol("s_list_head")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	if head.IsNull() {
		t.Fatalf("head of a 3 node chain is null")
	}
	if head.Addr() != 0x20001040 {
		t.Errorf("wrong head address: %#x", head.Addr())
	}
	if head.TypeString() != "node *" {
		t.Errorf("wrong head type: %q", head.TypeString())
	}

	pv, err := head.Field("random_value")
	if err != nil {
		t.Fatalf("Field(random_value): %v", err)
	}
	n, err := pv.Uint()
	if err != nil {
		t.Fatalf("Uint: %v", err)
	}
	if n != 1622650073 {
		t.Errorf("wrong payload: %d", n)
	}

	next, err := head.Field("next")
	if err != nil {
		t.Fatalf("Field(next): %v", err)
	}
	if next.IsNull() {
		t.Errorf("second node reported as null")
	}
	if next.Addr() != 0x20001020 {
		t.Errorf("wrong second node address: %#x", next.Addr())
	}
}

func TestWalkOverDAP(t *testing.T) {
	a := startFakeAdapter(t)
	a.chain3()
	s := connectFake(t, a)

	var w chain.Walker
	res, err := w.Walk(s, "s_list_head", "")
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if res.Count() != 3 {
		t.Fatalf("expected 3 nodes, got %d", res.Count())
	}
	wantAddrs := []uint64{0x20001040, 0x20001020, 0x20001000}
	wantPayloads := []uint64{1622650073, 282475249, 16807}
	for i, n := range res.Nodes {
		if n.Addr != wantAddrs[i] || n.Payload != wantPayloads[i] {
			t.Errorf("node %d: got (%#x, %d), want (%#x, %d)", i, n.Addr, n.Payload, wantAddrs[i], wantPayloads[i])
		}
	}
}

func TestResolveUnknownSymbol(t *testing.T) {
	a := startFakeAdapter(t)
	a.chain3()
	s := connectFake(t, a)

	_, err := s.ResolveSymbol("no_such_global")
	if err == nil {
		t.Fatalf("resolving an unknown symbol succeeded")
	}
	var serr *inspect.SymbolResolutionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected a SymbolResolutionError, got %T: %v", err, err)
	}
	if serr.Name != "no_such_global" {
		t.Errorf("error names wrong symbol: %q", serr.Name)
	}
}

func TestVariablesFailureIsMemoryReadError(t *testing.T) {
	a := startFakeAdapter(t)
	a.chain3()
	// Sabotage the middle node: its reference has no scripted children, so
	// the adapter reports a read failure.
	delete(a.vars, 2)
	s := connectFake(t, a)

	var w chain.Walker
	res, err := w.Walk(s, "s_list_head", "")
	if err == nil {
		t.Fatalf("walk over a broken variable tree succeeded")
	}
	var merr *inspect.MemoryReadError
	if !errors.As(err, &merr) {
		t.Fatalf("expected a MemoryReadError, got %T: %v", err, err)
	}
	if merr.Addr != 0x20001020 {
		t.Errorf("error reports wrong address: %#x", merr.Addr)
	}
	if res == nil || res.Count() != 1 {
		t.Fatalf("expected 1 node before the failure, got %+v", res)
	}
}

func TestSyntheticPointerChild(t *testing.T) {
	a := startFakeAdapter(t)
	// An adapter that renders a pointer as one synthetic child holding the
	// record, the client must descend through it.
	a.evals["s_list_head"] = dap.EvaluateResponseBody{
		Result: "0x30000000", Type: "node *", VariablesReference: 7, MemoryReference: "0x30000000",
	}
	a.vars[7] = []dap.Variable{
		{Name: "*s_list_head", Value: "{...}", Type: "node", VariablesReference: 8},
	}
	a.vars[8] = []dap.Variable{
		{Name: "random_value", Value: "42", Type: "uint32_t"},
		{Name: "next", Value: "0x0", Type: "node *"},
	}
	s := connectFake(t, a)

	head, err := s.ResolveSymbol("s_list_head")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	pv, err := head.Field("random_value")
	if err != nil {
		t.Fatalf("Field(random_value): %v", err)
	}
	if n, _ := pv.Uint(); n != 42 {
		t.Errorf("wrong payload: %d", n)
	}
}

func TestSymbolsNotSupported(t *testing.T) {
	a := startFakeAdapter(t)
	a.chain3()
	s := connectFake(t, a)

	_, err := s.Symbols("")
	if !errors.Is(err, inspect.ErrNoSymbolList) {
		t.Errorf("expected ErrNoSymbolList, got %v", err)
	}
}
