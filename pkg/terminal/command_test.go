package terminal

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chrisc11/chainwalk/pkg/config"
	"github.com/chrisc11/chainwalk/pkg/inspect"
	"github.com/chrisc11/chainwalk/pkg/inspect/image"
	"github.com/chrisc11/chainwalk/pkg/logflags"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(m.Run())
}

type FakeTerminal struct {
	*Term
	t testing.TB
}

const logCommandOutput = false

func (ft *FakeTerminal) Exec(cmdstr string) (outstr string, err error) {
	outfh, err := ioutil.TempFile("", "cmdtestout")
	if err != nil {
		ft.t.Fatalf("could not create temporary file: %v", err)
	}

	stdout, stderr, termstdout := os.Stdout, os.Stderr, ft.Term.stdout.pw.w
	os.Stdout, os.Stderr, ft.Term.stdout.pw.w = outfh, outfh, outfh
	defer func() {
		os.Stdout, os.Stderr, ft.Term.stdout.pw.w = stdout, stderr, termstdout
		outfh.Close()
		outbs, err1 := ioutil.ReadFile(outfh.Name())
		if err1 != nil {
			ft.t.Fatalf("could not read temporary output file: %v", err)
		}
		outstr = string(outbs)
		if logCommandOutput {
			ft.t.Logf("command %q -> %q", cmdstr, outstr)
		}
		os.Remove(outfh.Name())
	}()
	err = ft.cmds.Call(cmdstr, ft.Term)
	return
}

func (ft *FakeTerminal) ExecStarlark(starlarkProgram string) (outstr string, err error) {
	outfh, err := ioutil.TempFile("", "cmdtestout")
	if err != nil {
		ft.t.Fatalf("could not create temporary file: %v", err)
	}

	stdout, stderr, termstdout := os.Stdout, os.Stderr, ft.Term.stdout.pw.w
	os.Stdout, os.Stderr, ft.Term.stdout.pw.w = outfh, outfh, outfh
	defer func() {
		os.Stdout, os.Stderr, ft.Term.stdout.pw.w = stdout, stderr, termstdout
		outfh.Close()
		outbs, err1 := ioutil.ReadFile(outfh.Name())
		if err1 != nil {
			ft.t.Fatalf("could not read temporary output file: %v", err)
		}
		outstr = string(outbs)
		if logCommandOutput {
			ft.t.Logf("command %q -> %q", starlarkProgram, outstr)
		}
		os.Remove(outfh.Name())
	}()
	_, err = ft.Term.starlarkEnv.Execute("<stdin>", starlarkProgram, "main", nil)
	return
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Errorf("output of %q: %q", cmdstr, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) MustExecStarlark(starlarkProgram string) string {
	outstr, err := ft.ExecStarlark(starlarkProgram)
	if err != nil {
		ft.t.Errorf("output of %q: %q", starlarkProgram, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", starlarkProgram, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExec(cmdstr, tgt string) {
	out := ft.MustExec(cmdstr)
	if out != tgt {
		ft.t.Fatalf("Error executing %q, expected %q got %q", cmdstr, tgt, out)
	}
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if err.Error() != tgterr {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

// demoBuilder builds the image of a small C program that pushed the first
// five outputs of rand() onto an intrusive list headed by s_list_head.
func demoBuilder() *image.Builder {
	b := image.NewBuilder("node", 0x20001000)
	b.DefineField("random_value", 4, image.KindUint)
	b.Pad(4)
	b.DefineField("next", 8, image.KindPointer)
	b.AddSymbol("s_list_head")
	b.AddUintSymbol("s_node_count", 4)
	b.Alloc(4) // keep records 16 byte aligned, like the allocator of the target
	r := image.NewMinstd(1)
	for i := 0; i < 5; i++ {
		b.Push("s_list_head", "next", map[string]uint64{"random_value": uint64(r.Next())})
	}
	b.SetSymbol("s_node_count", 5)
	return b
}

func buildDemoImage(t testing.TB) string {
	path := filepath.Join(t.TempDir(), "demo.cwim")
	if err := demoBuilder().WriteFile(path); err != nil {
		t.Fatalf("could not write demo image: %v", err)
	}
	return path
}

// demoWalkOutput is the transcript of walking the demo image, the records
// come out in reverse insertion order.
const demoWalkOutput = `0: Addr: 0x20001050, random value: 1144108930
1: Addr: 0x20001040, random value: 984943658
2: Addr: 0x20001030, random value: 1622650073
3: Addr: 0x20001020, random value: 282475249
4: Addr: 0x20001010, random value: 16807
Found 5 nodes
`

func withImageTerminal(t testing.TB, imagePath string, fn func(*FakeTerminal)) {
	os.Setenv("TERM", "dumb")
	term := New(&config.Config{})
	term.stdout.pw.w = ioutil.Discard // tests capture output per command
	if err := term.OpenImage(imagePath); err != nil {
		t.Fatalf("could not open image: %v", err)
	}
	defer term.CloseSession()
	ft := &FakeTerminal{
		t:    t,
		Term: term,
	}
	fn(ft)
}

func withTestTerminal(t testing.TB, fn func(*FakeTerminal)) {
	withImageTerminal(t, buildDemoImage(t), fn)
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existant-command")
	)

	err := cmd(nil, callContext{}, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandReplayWithoutPreviousCommand(t *testing.T) {
	var (
		cmds = DefaultCommands()
		cmd  = cmds.Find("")
		err  = cmd(nil, callContext{}, "")
	)

	if err != nil {
		t.Error("Null command not returned", err)
	}
}

func TestRegisterDuplicateCommand(t *testing.T) {
	cmds := DefaultCommands()
	err := cmds.Register("mycmd", func(t *Term, ctx callContext, args string) error { return nil }, "user defined")
	if err != nil {
		t.Fatalf("could not register a new command: %v", err)
	}
	err = cmds.Register("mycmd", func(t *Term, ctx callContext, args string) error { return nil }, "user defined")
	if err == nil {
		t.Fatal("registering the same command twice succeeded")
	}
	// Aliases of builtin commands are taken too.
	if err := cmds.Register("wl", nullCommand, ""); err == nil {
		t.Fatal("shadowing a builtin alias succeeded")
	}
}

func TestExecuteFile(t *testing.T) {
	openCount := 0
	walkCount := 0
	c := &Commands{
		cmds: []command{
			{aliases: []string{"walklist"}, cmdFn: func(t *Term, ctx callContext, args string) error {
				walkCount++
				return nil
			}},
			{aliases: []string{"open"}, cmdFn: func(t *Term, ctx callContext, args string) error {
				openCount++
				return nil
			}},
		},
	}

	path := filepath.Join(t.TempDir(), "initfile")
	script := "# demo init file\nopen demo.cwim\n\nwalklist\n"
	if err := ioutil.WriteFile(path, []byte(script), 0644); err != nil {
		t.Fatal(err)
	}

	if err := c.executeFile(nil, path); err != nil {
		t.Fatalf("executeFile: %v", err)
	}

	if openCount != 1 || walkCount != 1 {
		t.Fatalf("Wrong counts open: %d walklist: %d\n", openCount, walkCount)
	}
}

func TestWalklist(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec("walklist", demoWalkOutput)
		ft.AssertExec("wl", demoWalkOutput)
		ft.AssertExec("walklist s_list_head", demoWalkOutput)
		ft.AssertExec("walklist s_list_head next", demoWalkOutput)
		ft.AssertExec("walklist s_list_head next random_value", demoWalkOutput)
		ft.AssertExecError("walklist s_list_head next random_value junk", "wrong number of arguments: walklist [<root symbol> [<next field> [<payload field>]]]")
	})
}

func TestWalklistUnknownRoot(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		out, err := ft.Exec("walklist no_such_list")
		if out != "" {
			t.Fatalf("walk of an unknown symbol produced output: %q", out)
		}
		if err == nil {
			t.Fatal("walk of an unknown symbol succeeded")
		}
		var serr *inspect.SymbolResolutionError
		if !errors.As(err, &serr) {
			t.Fatalf("expected a SymbolResolutionError, got %T: %v", err, err)
		}
		if serr.Name != "no_such_list" {
			t.Errorf("error names wrong symbol: %q", serr.Name)
		}
	})
}

func TestWalklistBrokenChain(t *testing.T) {
	b := demoBuilder()
	// Records start at 0x20001010, the third one visited by the walk is at
	// 0x20001030. Point its link outside the captured memory.
	b.SetField(0x20001030, "next", 0xdeadbeef)
	path := filepath.Join(t.TempDir(), "broken.cwim")
	if err := b.WriteFile(path); err != nil {
		t.Fatalf("could not write image: %v", err)
	}

	withImageTerminal(t, path, func(ft *FakeTerminal) {
		out, err := ft.Exec("walklist")
		want := `0: Addr: 0x20001050, random value: 1144108930
1: Addr: 0x20001040, random value: 984943658
2: Addr: 0x20001030, random value: 1622650073
`
		if out != want {
			t.Errorf("wrong partial output, expected %q got %q", want, out)
		}
		if strings.Contains(out, "Found") {
			t.Errorf("failed walk printed a node count: %q", out)
		}
		if err == nil {
			t.Fatal("walking a broken chain succeeded")
		}
		var merr *inspect.MemoryReadError
		if !errors.As(err, &merr) {
			t.Fatalf("expected a MemoryReadError, got %T: %v", err, err)
		}
		if merr.Addr != 0xdeadbeef {
			t.Errorf("error reports wrong address: %#x", merr.Addr)
		}
	})
}

func TestWalklistMaxNodes(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.MustExec("config max-walk-nodes 2")
		want := `0: Addr: 0x20001050, random value: 1144108930
1: Addr: 0x20001040, random value: 984943658
Found 2 nodes
`
		ft.AssertExec("walklist", want)
	})
}

func TestWalklistNoSession(t *testing.T) {
	os.Setenv("TERM", "dumb")
	term := New(&config.Config{})
	term.stdout.pw.w = ioutil.Discard
	ft := &FakeTerminal{t: t, Term: term}
	ft.AssertExecError("walklist", "no open session, use open or connect first")
}

func TestOpenCommand(t *testing.T) {
	os.Setenv("TERM", "dumb")
	dir := t.TempDir()
	if err := demoBuilder().WriteFile(filepath.Join(dir, "demo.cwim")); err != nil {
		t.Fatalf("could not write demo image: %v", err)
	}

	term := New(&config.Config{ImageSearchPaths: []string{dir}})
	term.stdout.pw.w = ioutil.Discard
	defer term.CloseSession()
	ft := &FakeTerminal{t: t, Term: term}

	// The bare name does not exist in the working directory, it is found
	// through image-search-paths.
	out := ft.MustExec("open demo.cwim")
	if !strings.HasPrefix(out, "Opened ") {
		t.Fatalf("wrong open output: %q", out)
	}
	if ft.Term.Session() == nil {
		t.Fatal("no session after open")
	}
	ft.AssertExec("whatis s_list_head", "node*\n")

	ft.MustExec("close")
	if ft.Term.Session() != nil {
		t.Fatal("session still set after close")
	}

	ft.AssertExecError("open", "wrong number of arguments: open <path>")
	ft.AssertExecError("open demo.cwim extra", "illegal argument 'demo.cwim extra'")
	if _, err := ft.Exec("open does-not-exist.cwim"); err == nil {
		t.Fatal("opening a nonexistent image succeeded")
	}
}

func TestSymbols(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec("symbols", "s_list_head\ns_node_count\n")
		ft.AssertExec("symbols s_list", "s_list_head\n")
		ft.AssertExec("symbols s_nothing", "")
		ft.AssertExec("symbols -f ndcnt", "s_node_count\n")
	})
}

func TestWhatis(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec("whatis s_list_head", "node*\n")
		ft.AssertExec("whatis s_node_count", "uint32\n")
		ft.AssertExecError("whatis", "wrong number of arguments: whatis <symbol>")
		ft.AssertExecError("whatis nope", `could not resolve symbol "nope": symbol not found`)
	})
}

func TestPrint(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec("print s_list_head", "(node*) 0x20001050\n")
		ft.AssertExec("p s_node_count", "5\n")
		ft.AssertExecError("print", "wrong number of arguments: print <symbol>")
		ft.AssertExecError("print nope", `could not resolve symbol "nope": symbol not found`)
	})
}

func TestExamineMemory(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		// s_list_head holds a pointer to the most recently pushed record.
		ft.AssertExec("examinemem -size 8 -count 1 0x20001000", "0x20001000:   0x0000000020001050\n")
		// The deepest record: payload 16807, zero padding, null link.
		ft.AssertExec("x -size 4 -count 4 0x20001010", "0x20001010:   0x000041a7   0x00000000   0x00000000   0x00000000\n")
		ft.AssertExecError("examinemem", "wrong number of arguments: examinemem [-count <count>] [-size <size>] <address>")
		ft.AssertExecError("examinemem -size 3 -count 1 0x20001000", `invalid size value "3", must be 1, 2, 4 or 8`)
		ft.AssertExecError("examinemem -count 2 0xdeadbeef", "address not mapped")
	})
}

func TestFrameCommand(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.AssertExec("frame", "Resolution frame 0\n")
		ft.MustExec("frame 1")
		ft.AssertExec("frame", "Resolution frame 1\n")
		// Image sessions have no frames, the walk works on any of them.
		ft.AssertExec("frame 2 walklist", demoWalkOutput)
		ft.AssertExec("frame", "Resolution frame 1\n")
		ft.AssertExecError("frame -1", "invalid frame -1")
	})
}

func TestHelp(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		out := ft.MustExec("help")
		for _, cmd := range ft.cmds.cmds {
			if !strings.Contains(out, cmd.aliases[0]) {
				t.Errorf("help does not mention %q", cmd.aliases[0])
			}
		}
		ft.AssertExecError("help nonexistent", "command not available")

		out = ft.MustExec("help walklist")
		if !strings.HasPrefix(out, "Walks a singly linked list") {
			t.Errorf("wrong help for walklist: %q", out)
		}
	})
}

func TestConfig(t *testing.T) {
	var term Term
	term.conf = &config.Config{}
	term.cmds = DefaultCommands()
	term.stdout = &transcriptWriter{pw: &pagingWriter{w: os.Stdout}}

	err := configureCmd(&term, callContext{}, "nonexistent-parameter 10")
	if err == nil {
		t.Fatalf("expected error executing configureCmd(nonexistent-parameter)")
	}

	err = configureCmd(&term, callContext{}, "max-walk-nodes 10")
	if err != nil {
		t.Fatalf("error executing configureCmd(max-walk-nodes): %v", err)
	}
	if term.conf.MaxWalkNodes == nil || *term.conf.MaxWalkNodes != 10 {
		t.Fatalf("expected MaxWalkNodes 10, got: %v", term.conf.MaxWalkNodes)
	}

	err = configureCmd(&term, callContext{}, "max-walk-nodes -1")
	if err == nil {
		t.Fatalf("expected error setting max-walk-nodes to a negative value")
	}

	err = configureCmd(&term, callContext{}, "root-symbol g_head")
	if err != nil {
		t.Fatalf("error executing configureCmd(root-symbol): %v", err)
	}
	if term.conf.RootSymbol != "g_head" {
		t.Fatalf("expected RootSymbol %q, got: %q", "g_head", term.conf.RootSymbol)
	}

	err = configureCmd(&term, callContext{}, "alias walklist walkit")
	if err != nil {
		t.Fatalf("error executing configureCmd(alias): %v", err)
	}
	// The alias dispatches to walklist, which fails without a session.
	if err := term.cmds.Call("walkit", &term); err != errNoSession {
		t.Fatalf("alias does not dispatch to walklist: %v", err)
	}

	err = configureCmd(&term, callContext{}, "image-search-paths /tmp/images")
	if err != nil || len(term.conf.ImageSearchPaths) != 1 || term.conf.ImageSearchPaths[0] != "/tmp/images" {
		t.Fatalf("error adding image search path: %v %v", err, term.conf.ImageSearchPaths)
	}
	err = configureCmd(&term, callContext{}, "image-search-paths /tmp/images")
	if err != nil || len(term.conf.ImageSearchPaths) != 1 {
		t.Fatalf("duplicate search path was added: %v %v", err, term.conf.ImageSearchPaths)
	}
	err = configureCmd(&term, callContext{}, "image-search-paths -rm /tmp/images")
	if err != nil || len(term.conf.ImageSearchPaths) != 0 {
		t.Fatalf("error removing image search path: %v %v", err, term.conf.ImageSearchPaths)
	}
	err = configureCmd(&term, callContext{}, "image-search-paths -rm /tmp/other")
	if err == nil {
		t.Fatalf("removing an unknown search path succeeded")
	}
}

func TestConfigList(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		out := ft.MustExec("config -list")
		for _, param := range []string{"aliases", "image-search-paths", "root-symbol", "next-field", "payload-field", "max-walk-nodes"} {
			if !strings.Contains(out, param) {
				t.Errorf("config -list does not mention %q: %q", param, out)
			}
		}
		if !strings.Contains(out, "<not defined>") {
			t.Errorf("unset max-walk-nodes not shown as <not defined>: %q", out)
		}
		ft.AssertExecError("config", `wrong number of arguments to "config"`)
	})
}

func TestConfigWalkFields(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		// Point the configuration at fields that do not exist, the walk must
		// fail, then fix it again.
		ft.MustExec("config next-field prev")
		if _, err := ft.Exec("walklist"); err == nil {
			t.Fatal("walk through an undefined link field succeeded")
		}
		ft.MustExec("config next-field next")
		ft.AssertExec("walklist", demoWalkOutput)

		ft.MustExec("config root-symbol no_such_list")
		if _, err := ft.Exec("walklist"); err == nil {
			t.Fatal("walk from an undefined root succeeded")
		}
		// An explicit argument overrides the configured root.
		ft.AssertExec("walklist s_list_head", demoWalkOutput)
	})
}

func TestTranscript(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		fhpath := filepath.Join(t.TempDir(), "transcript")
		ft.MustExec(fmt.Sprintf("transcript %s", fhpath))
		ft.AssertExec("walklist", demoWalkOutput)
		ft.MustExec("transcript -off")
		buf, err := ioutil.ReadFile(fhpath)
		if err != nil {
			t.Fatalf("could not read transcript file: %v", err)
		}
		if string(buf) != demoWalkOutput {
			t.Fatalf("wrong transcript contents: %q", string(buf))
		}

		// With -x output goes only to the file.
		ft.MustExec(fmt.Sprintf("transcript -t -x %s", fhpath))
		ft.AssertExec("walklist", "")
		ft.MustExec("transcript -off")
		buf, err = ioutil.ReadFile(fhpath)
		if err != nil {
			t.Fatalf("could not read transcript file: %v", err)
		}
		if string(buf) != demoWalkOutput {
			t.Fatalf("wrong transcript contents: %q", string(buf))
		}

		ft.AssertExecError("transcript -off "+fhpath, "-off can not be used with other options")
	})
}

func TestSourceStarlark(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "nodecount.star")
		script := `def command_node_count(args):
	"""Prints the number of nodes in the list."""
	res = walk_list()
	print(len(res.Nodes))
`
		if err := ioutil.WriteFile(path, []byte(script), 0644); err != nil {
			t.Fatal(err)
		}

		ft.MustExec("source " + path)
		ft.AssertExec("node_count", "5\n")

		// Sourcing the script again collides with the registered command.
		if _, err := ft.Exec("source " + path); err == nil {
			t.Fatal("registering the same script command twice succeeded")
		}
	})
}
