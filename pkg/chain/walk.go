// Package chain walks null-terminated chains of records in the memory of a
// stopped target.
//
// A chain is what an intrusive singly linked list looks like from outside
// the program that owns it: records of one type, each holding the address
// of the next one in a link field, with the null pointer marking the end
// and a global pointing at the first record.
package chain

import (
	"fmt"
	"io"

	"github.com/chrisc11/chainwalk/pkg/inspect"
	"github.com/chrisc11/chainwalk/pkg/logflags"
)

// Defaults for the walk parameters, matching the C programs this tool grew
// up around.
const (
	DefaultRootSymbol   = "s_list_head"
	DefaultNextField    = "next"
	DefaultPayloadField = "random_value"
)

// Node is one record visited during a walk.
type Node struct {
	Index   int
	Addr    uint64
	Payload uint64
}

func (n Node) String() string {
	return fmt.Sprintf("%d: Addr: %#x, random value: %d", n.Index, n.Addr, n.Payload)
}

// Result is the outcome of a walk. When a walk fails partway through the
// chain, the Result returned alongside the error holds the records visited
// before the failure.
type Result struct {
	// Root is the symbol the walk started from.
	Root string
	// Args is the raw argument string of the invocation that requested the
	// walk. Arguments are recorded but have no effect on the walk.
	Args string
	// Nodes are the records visited, in chain order.
	Nodes []Node
	// Truncated is set when the walk stopped at the MaxNodes bound instead
	// of a null pointer.
	Truncated bool
}

// Count returns the number of records visited.
func (r *Result) Count() int {
	return len(r.Nodes)
}

// WriteTo renders the result one line per record, followed by the count of
// records found. It implements io.WriterTo.
func (r *Result) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for i := range r.Nodes {
		n, err := fmt.Fprintln(w, r.Nodes[i].String())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := fmt.Fprintf(w, "Found %d nodes\n", len(r.Nodes))
	return total + int64(n), err
}

// Walker walks chains through an inspect.Session. The zero value walks the
// default chain layout.
type Walker struct {
	// NextField is the link field followed from record to record,
	// DefaultNextField when empty.
	NextField string
	// PayloadField is the integer field reported for every record,
	// DefaultPayloadField when empty.
	PayloadField string
	// MaxNodes stops the walk after that many records when positive. The
	// walker performs no cycle detection, the bound is the only protection
	// when a corrupted chain loops back on itself.
	MaxNodes int

	// Log receives the walk progress, defaults to the walker layer logger.
	Log logflags.Logger
}

// Walk resolves root in sess and follows the chain until a null link, an
// error, or the MaxNodes bound.
//
// A symbol resolution failure returns a nil Result: nothing was walked. Any
// failure after that returns the partial Result together with the error.
func (w *Walker) Walk(sess inspect.Session, root, args string) (*Result, error) {
	if root == "" {
		root = DefaultRootSymbol
	}
	next := w.NextField
	if next == "" {
		next = DefaultNextField
	}
	payload := w.PayloadField
	if payload == "" {
		payload = DefaultPayloadField
	}
	log := w.Log
	if log == nil {
		log = logflags.WalkerLogger()
	}

	cur, err := sess.ResolveSymbol(root)
	if err != nil {
		log.Errorf("resolving %s: %v", root, err)
		return nil, err
	}
	log.Debugf("walking %s (link %q, payload %q)", root, next, payload)

	res := &Result{Root: root, Args: args}
	for !cur.IsNull() {
		if w.MaxNodes > 0 && len(res.Nodes) >= w.MaxNodes {
			res.Truncated = true
			log.Warnf("walk of %s stopped at the %d node bound", root, w.MaxNodes)
			break
		}
		pv, err := cur.Field(payload)
		if err != nil {
			return res, err
		}
		pval, err := pv.Uint()
		if err != nil {
			return res, err
		}
		node := Node{Index: len(res.Nodes), Addr: cur.Addr(), Payload: pval}
		res.Nodes = append(res.Nodes, node)
		log.Debugf("node %d at %#x payload %d", node.Index, node.Addr, node.Payload)

		if cur, err = cur.Field(next); err != nil {
			return res, err
		}
	}
	log.Debugf("walk of %s found %d nodes", root, len(res.Nodes))
	return res, nil
}
