// Package dapclient implements the inspect.Session interface over a Debug
// Adapter Protocol connection.
//
// The adapter on the other end is expected to serve a target that is
// already stopped; chainwalk only ever evaluates expressions and fetches
// variable children, it never resumes execution. All requests are
// synchronous, events received while waiting for a response are logged and
// dropped.
package dapclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-dap"

	"github.com/chrisc11/chainwalk/pkg/inspect"
	"github.com/chrisc11/chainwalk/pkg/logflags"
)

// DefaultTimeout bounds each request/response exchange with the adapter.
const DefaultTimeout = 20 * time.Second

// Session is an inspect.Session talking to a DAP server.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	seq     int
	frameID int
	timeout time.Duration
	log     logflags.Logger
}

// Connect dials a DAP server at addr and performs the initialize handshake.
func Connect(addr string) (*Session, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: DefaultTimeout,
		log:     logflags.DAPLogger(),
	}
	if err := s.initialize(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// SetFrameID selects the stack frame used for expression evaluation. The
// zero frame id asks the adapter for global scope.
func (s *Session) SetFrameID(id int) {
	s.frameID = id
}

// SetTimeout changes the per-request timeout.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout = d
}

func (s *Session) initialize() error {
	request := &dap.InitializeRequest{Request: *s.newRequest("initialize")}
	request.Arguments = dap.InitializeRequestArguments{
		ClientID:                 "chainwalk",
		ClientName:               "chainwalk list walker",
		AdapterID:                "chainwalk",
		PathFormat:               "path",
		LinesStartAt1:            true,
		ColumnsStartAt1:          true,
		Locale:                   "en-us",
		SupportsVariableType:     true,
		SupportsMemoryReferences: true,
	}
	if err := s.send(request); err != nil {
		return fmt.Errorf("initialize: %v", err)
	}
	for {
		m, err := s.recv()
		if err != nil {
			return fmt.Errorf("initialize: %v", err)
		}
		switch m := m.(type) {
		case *dap.InitializeResponse:
			if m.RequestSeq != request.Seq {
				continue
			}
			if !m.Success {
				return fmt.Errorf("initialize rejected: %s", m.Message)
			}
			s.log.Debugf("connected, adapter capabilities: %+v", m.Body)
			return nil
		case *dap.ErrorResponse:
			if m.RequestSeq != request.Seq {
				continue
			}
			return errorFromResponse(m)
		default:
			s.log.Debugf("ignoring %T during handshake", m)
		}
	}
}

// ResolveSymbol evaluates name in the selected frame of the stopped target.
func (s *Session) ResolveSymbol(name string) (inspect.Value, error) {
	request := &dap.EvaluateRequest{Request: *s.newRequest("evaluate")}
	request.Arguments = dap.EvaluateArguments{
		Expression: name,
		FrameId:    s.frameID,
		Context:    "repl",
	}
	if err := s.send(request); err != nil {
		return nil, &inspect.SymbolResolutionError{Name: name, Err: err}
	}
	for {
		m, err := s.recv()
		if err != nil {
			return nil, &inspect.SymbolResolutionError{Name: name, Err: err}
		}
		switch m := m.(type) {
		case *dap.EvaluateResponse:
			if m.RequestSeq != request.Seq {
				continue
			}
			if !m.Success {
				return nil, &inspect.SymbolResolutionError{Name: name, Err: fmt.Errorf("%s", respMessage(m.Message))}
			}
			return &dapValue{
				s:    s,
				name: name,
				val:  m.Body.Result,
				typ:  m.Body.Type,
				ref:  m.Body.VariablesReference,
				mem:  m.Body.MemoryReference,
			}, nil
		case *dap.ErrorResponse:
			if m.RequestSeq != request.Seq {
				continue
			}
			return nil, &inspect.SymbolResolutionError{Name: name, Err: errorFromResponse(m)}
		default:
			s.logEvent(m)
		}
	}
}

// Symbols implements inspect.Session. The protocol has no request for
// enumerating globals.
func (s *Session) Symbols(prefix string) ([]string, error) {
	return nil, inspect.ErrNoSymbolList
}

// Close disconnects from the adapter.
func (s *Session) Close() error {
	request := &dap.DisconnectRequest{Request: *s.newRequest("disconnect")}
	if err := s.send(request); err == nil {
		// Wait briefly for the response so the adapter can tear down
		// cleanly, but don't insist.
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		for {
			m, err := s.recv()
			if err != nil {
				break
			}
			if r, ok := m.(*dap.DisconnectResponse); ok && r.RequestSeq == request.Seq {
				break
			}
		}
	}
	return s.conn.Close()
}

func (s *Session) variables(ref int) ([]dap.Variable, error) {
	request := &dap.VariablesRequest{Request: *s.newRequest("variables")}
	request.Arguments = dap.VariablesArguments{VariablesReference: ref}
	if err := s.send(request); err != nil {
		return nil, err
	}
	for {
		m, err := s.recv()
		if err != nil {
			return nil, err
		}
		switch m := m.(type) {
		case *dap.VariablesResponse:
			if m.RequestSeq != request.Seq {
				continue
			}
			if !m.Success {
				return nil, fmt.Errorf("%s", respMessage(m.Message))
			}
			return m.Body.Variables, nil
		case *dap.ErrorResponse:
			if m.RequestSeq != request.Seq {
				continue
			}
			return nil, errorFromResponse(m)
		default:
			s.logEvent(m)
		}
	}
}

func (s *Session) newRequest(command string) *dap.Request {
	s.seq++
	request := &dap.Request{}
	request.Type = "request"
	request.Command = command
	request.Seq = s.seq
	return request
}

func (s *Session) send(message dap.Message) error {
	if logflags.DAP() {
		jsonmsg, _ := json.Marshal(message)
		s.log.Debug("[-> to server]", string(jsonmsg))
	}
	return dap.WriteProtocolMessage(s.conn, message)
}

func (s *Session) recv() (dap.Message, error) {
	if s.timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	}
	m, err := dap.ReadProtocolMessage(s.reader)
	if err != nil {
		return nil, err
	}
	if logflags.DAP() {
		jsonmsg, _ := json.Marshal(m)
		s.log.Debug("[<- from server]", string(jsonmsg))
	}
	return m, nil
}

func (s *Session) logEvent(m dap.Message) {
	s.log.Debugf("ignoring %T while waiting for a response", m)
}

func respMessage(msg string) string {
	if msg == "" {
		return "request failed"
	}
	return msg
}

func errorFromResponse(er *dap.ErrorResponse) error {
	if er.Body.Error != nil {
		return fmt.Errorf("%s (%d)", er.Body.Error.Format, er.Body.Error.Id)
	}
	return fmt.Errorf("%s", respMessage(er.Message))
}

// dapValue is a Value backed by an adapter-side variable.
type dapValue struct {
	s    *Session
	name string
	val  string
	typ  string
	ref  int
	mem  string
}

// Field fetches the children of the value and returns the one with the
// given name. Adapters that present a pointer as a single synthetic child
// holding the record are descended through.
func (v *dapValue) Field(name string) (inspect.Value, error) {
	if v.ref == 0 {
		return nil, fmt.Errorf("%s (%s) has no fields", v.name, v.typ)
	}
	vars, err := v.s.variables(v.ref)
	if err != nil {
		return nil, &inspect.MemoryReadError{Addr: v.Addr(), Err: err}
	}
	if c := findVariable(vars, name); c != nil {
		return v.s.makeValue(c), nil
	}
	if len(vars) == 1 && vars[0].VariablesReference > 0 {
		inner, err := v.s.variables(vars[0].VariablesReference)
		if err != nil {
			return nil, &inspect.MemoryReadError{Addr: v.Addr(), Err: err}
		}
		if c := findVariable(inner, name); c != nil {
			return v.s.makeValue(c), nil
		}
	}
	return nil, fmt.Errorf("%s (%s) has no field %q", v.name, v.typ, name)
}

func (s *Session) makeValue(c *dap.Variable) *dapValue {
	return &dapValue{
		s:    s,
		name: c.Name,
		val:  c.Value,
		typ:  c.Type,
		ref:  c.VariablesReference,
		mem:  c.MemoryReference,
	}
}

func findVariable(vars []dap.Variable, name string) *dap.Variable {
	for i := range vars {
		if vars[i].Name == name {
			return &vars[i]
		}
	}
	return nil
}

// Addr returns the address of the record the value points at, parsed from
// the adapter's memory reference or from the rendered value.
func (v *dapValue) Addr() uint64 {
	if n, err := parseUintToken(v.mem); err == nil {
		return n
	}
	if t := firstToken(v.val); strings.HasPrefix(t, "0x") {
		if n, err := strconv.ParseUint(t, 0, 64); err == nil {
			return n
		}
	}
	return 0
}

// Uint parses the rendered value as an unsigned integer.
func (v *dapValue) Uint() (uint64, error) {
	n, err := parseUintToken(v.val)
	if err != nil {
		return 0, fmt.Errorf("%s: cannot parse %q as an integer", v.name, v.val)
	}
	return n, nil
}

// IsNull reports whether the adapter rendered the value as a null pointer.
func (v *dapValue) IsNull() bool {
	t := firstToken(v.val)
	switch strings.ToLower(t) {
	case "<null>", "(null)", "null", "nil", "nullptr":
		return true
	}
	if strings.HasPrefix(t, "0x") {
		n, err := strconv.ParseUint(t, 0, 64)
		return err == nil && n == 0
	}
	return false
}

func (v *dapValue) TypeString() string {
	return v.typ
}

func firstToken(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		s = s[:i]
	}
	return s
}

func parseUintToken(s string) (uint64, error) {
	t := firstToken(s)
	if t == "" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseUint(t, 0, 64)
}
