package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"

	"github.com/chrisc11/chainwalk/pkg/config"
	"github.com/chrisc11/chainwalk/pkg/inspect"
	"github.com/chrisc11/chainwalk/pkg/inspect/dapclient"
	"github.com/chrisc11/chainwalk/pkg/inspect/image"
	"github.com/chrisc11/chainwalk/pkg/terminal/starbind"
)

const historyFile string = ".chainwalk_history"

// Term represents the terminal running chainwalk.
type Term struct {
	sess   inspect.Session
	symtab *inspect.SymbolTable
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	stdout *transcriptWriter

	starlarkEnv *starbind.Env

	// InitFile is a file containing commands executed before the first
	// prompt.
	InitFile string

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term without an open session.
func New(conf *config.Config) *Term {
	cmds := DefaultCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	t := &Term{
		conf:   conf,
		prompt: "(cw) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		stdout: &transcriptWriter{pw: &pagingWriter{w: w}},
	}

	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t
}

// OpenImage opens the memory image at path and makes it the current session.
func (t *Term) OpenImage(path string) error {
	sess, err := image.Open(path)
	if err != nil {
		return err
	}
	t.setSession(sess, sess.SymbolTable())
	fmt.Fprintf(t.stdout, "Opened %s: %d bytes of memory at %#x\n", path, sess.MemSize(), sess.Base())
	return nil
}

// Connect establishes a debug adapter session with the server at addr and
// makes it the current session.
func (t *Term) Connect(addr string) error {
	sess, err := dapclient.Connect(addr)
	if err != nil {
		return err
	}
	t.setSession(sess, nil)
	fmt.Fprintf(t.stdout, "Connected to %s\n", addr)
	return nil
}

func (t *Term) setSession(sess inspect.Session, symtab *inspect.SymbolTable) {
	if t.sess != nil {
		t.sess.Close()
	}
	t.sess = sess
	t.symtab = symtab
	t.cmds.frame = 0
}

// CloseSession closes the current session, if any.
func (t *Term) CloseSession() error {
	if t.sess == nil {
		return nil
	}
	err := t.sess.Close()
	t.sess = nil
	t.symtab = nil
	return err
}

// Session returns the current inspection session, nil if no target is open.
func (t *Term) Session() inspect.Session {
	return t.sess
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
	t.stdout.CloseTranscript()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.starlarkEnv.Cancel()
		t.stdout.pw.Reset()
		fmt.Fprintf(t.stdout, "received SIGINT\n")
	}
}

// Run begins running chainwalk in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	// Interrupt a running script on SIGINT instead of exiting.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		t.stdout.Echo(t.prompt + cmdstr + "\n")

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			t.quittingMutex.Lock()
			quitting := t.quitting
			t.quittingMutex.Unlock()
			if quitting {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}

		t.stdout.pw.Reset()
		t.stdout.Flush()
	}
}

// complete returns the completions for the given command line prefix.
// Command names are completed from the command table, command arguments
// from the symbol table of the current image session.
func (t *Term) complete(line string) (c []string) {
	if idx := strings.LastIndex(line, " "); idx >= 0 {
		if t.symtab == nil {
			return nil
		}
		head, partial := line[:idx+1], line[idx+1:]
		for _, sym := range t.symtab.Find(partial) {
			c = append(c, head+sym)
		}
		return c
	}
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			if strings.HasPrefix(alias, strings.ToLower(line)) {
				c = append(c, alias)
			}
		}
	}
	return c
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	if err := t.CloseSession(); err != nil {
		return 1, err
	}
	return 0, nil
}
