package main

import (
	"fmt"
	"strconv"
	"strings"
)

const usage = `Commands:
  i <index> <text>   insert text before the visible index
  d <index> <count>  delete count characters from index
  p                  print the document
  q                  quit`

type commandKind int

const (
	cmdNone commandKind = iota
	cmdInsert
	cmdDelete
	cmdPrint
	cmdQuit
)

type command struct {
	kind  commandKind
	index int
	count int
	text  string
}

// parseCommand reads one line of the stdin editor. Text keeps its inner
// spaces; only the single separator after the index is dropped.
func parseCommand(line string) (command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return command{kind: cmdNone}, nil
	}

	name, rest, _ := strings.Cut(strings.TrimLeft(line, " "), " ")
	switch name {
	case "q":
		return command{kind: cmdQuit}, nil
	case "p":
		return command{kind: cmdPrint}, nil
	case "i":
		indexStr, text, ok := strings.Cut(rest, " ")
		if !ok || text == "" {
			return command{}, fmt.Errorf("usage: i <index> <text>")
		}
		index, err := strconv.Atoi(indexStr)
		if err != nil {
			return command{}, fmt.Errorf("invalid index %q", indexStr)
		}
		return command{kind: cmdInsert, index: index, text: text}, nil
	case "d":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: d <index> <count>")
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return command{}, fmt.Errorf("invalid index %q", fields[0])
		}
		count, err := strconv.Atoi(fields[1])
		if err != nil {
			return command{}, fmt.Errorf("invalid count %q", fields[1])
		}
		return command{kind: cmdDelete, index: index, count: count}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q\n%s", name, usage)
	}
}
