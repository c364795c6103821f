package terminal

import (
	"github.com/chrisc11/chainwalk/pkg/chain"
	"github.com/chrisc11/chainwalk/pkg/inspect"
	"github.com/chrisc11/chainwalk/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Session() (inspect.Session, error) {
	return ctx.term.session(callContext{Frame: ctx.term.cmds.frame})
}

func (ctx starlarkContext) Walker() *chain.Walker {
	return ctx.term.walker()
}

func (ctx starlarkContext) RootSymbol() string {
	if ctx.term.conf != nil && ctx.term.conf.RootSymbol != "" {
		return ctx.term.conf.RootSymbol
	}
	return chain.DefaultRootSymbol
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) error {
	cmdfn := func(t *Term, ctx callContext, args string) error {
		return fn(args)
	}
	return ctx.term.cmds.Register(name, cmdfn, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
