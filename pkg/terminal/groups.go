package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	sessionCmds
	walkCmds
	dataCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Opening and closing inspection targets", sessionCmds},
	{"Walking linked lists", walkCmds},
	{"Viewing symbols and memory", dataCmds},
	{"Other commands", otherCmds},
}
