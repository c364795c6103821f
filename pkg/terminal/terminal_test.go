package terminal

import (
	"reflect"
	"testing"
)

func TestCompletion(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		// Command names complete on the first word.
		cs := ft.Term.complete("wa")
		if len(cs) != 1 || cs[0] != "walklist" {
			t.Errorf("wrong completions for 'wa': %v", cs)
		}

		// Symbol names complete after the first space.
		cs = ft.Term.complete("walklist s_")
		want := []string{"walklist s_list_head", "walklist s_node_count"}
		if !reflect.DeepEqual(cs, want) {
			t.Errorf("wrong completions for 'walklist s_': %v", cs)
		}

		if cs = ft.Term.complete("walklist zz"); len(cs) != 0 {
			t.Errorf("wrong completions for 'walklist zz': %v", cs)
		}
	})
}

func TestSessionResetsFrame(t *testing.T) {
	withTestTerminal(t, func(ft *FakeTerminal) {
		ft.MustExec("frame 3")
		if ft.Term.cmds.frame != 3 {
			t.Fatalf("frame command did not set the resolution frame: %d", ft.Term.cmds.frame)
		}
		// Opening a new target resets the resolution frame.
		ft.MustExec("open " + buildDemoImage(t))
		if ft.Term.cmds.frame != 0 {
			t.Fatalf("resolution frame survived a session change: %d", ft.Term.cmds.frame)
		}
	})
}
