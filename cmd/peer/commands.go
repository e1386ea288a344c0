package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"roomsync/internal/crdt"
	"roomsync/internal/state"
)

const (
	verbNone     = ""
	verbSet      = "set"
	verbDel      = "del"
	verbPush     = "push"
	verbInsert   = "insert"
	verbUpdate   = "update"
	verbRemove   = "remove"
	verbName     = "name"
	verbPresence = "presence"
	verbShow     = "show"
	verbQuit     = "quit"
)

// command is one parsed line of input
type command struct {
	verb  string
	path  crdt.Path
	index int
	field string
	value any
}

// replica is the part of a peer session commands act on
type replica interface {
	Transact(fn func(*state.Txn) error) error
	SetLocalPresenceField(name string, value any) error
}

// arity is the number of words each verb takes, verb included. The last
// word runs to the end of the line.
var arity = map[string]int{
	verbSet:      3,
	verbDel:      2,
	verbPush:     3,
	verbInsert:   4,
	verbUpdate:   4,
	verbRemove:   3,
	verbName:     2,
	verbPresence: 3,
	verbShow:     1,
	verbQuit:     1,
	"exit":       1,
}

func parseCommand(line string) (command, error) {
	head := strings.Fields(line)
	if len(head) == 0 {
		return command{}, nil
	}
	verb := strings.ToLower(head[0])
	n, ok := arity[verb]
	if !ok {
		return command{}, fmt.Errorf("unknown command %q", head[0])
	}
	if verb == "exit" {
		verb = verbQuit
	}
	args := words(line, n)
	if len(args) != n {
		return command{}, fmt.Errorf("%s takes %d argument(s)", verb, n-1)
	}

	c := command{verb: verb}
	switch verb {
	case verbSet, verbPush:
		c.path = parsePath(args[1])
		c.value = parseValue(args[2])
	case verbDel:
		c.path = parsePath(args[1])
	case verbInsert, verbUpdate, verbRemove:
		c.path = parsePath(args[1])
		index, err := strconv.Atoi(args[2])
		if err != nil {
			return command{}, fmt.Errorf("invalid index %q", args[2])
		}
		c.index = index
		if verb != verbRemove {
			c.value = parseValue(args[3])
		}
	case verbName:
		c.field = "name"
		c.value = args[1]
	case verbPresence:
		c.field = args[1]
		c.value = parseValue(args[2])
	}
	return c, nil
}

func (c command) apply(r replica) error {
	switch c.verb {
	case verbSet:
		return r.Transact(func(tx *state.Txn) error { return tx.Set(c.path, c.value) })
	case verbDel:
		return r.Transact(func(tx *state.Txn) error { return tx.Delete(c.path) })
	case verbPush:
		return r.Transact(func(tx *state.Txn) error { return tx.Append(c.path, c.value) })
	case verbInsert:
		return r.Transact(func(tx *state.Txn) error { return tx.Insert(c.path, c.index, c.value) })
	case verbUpdate:
		return r.Transact(func(tx *state.Txn) error { return tx.Update(c.path, c.index, c.value) })
	case verbRemove:
		return r.Transact(func(tx *state.Txn) error { return tx.DeleteAt(c.path, c.index) })
	case verbName, verbPresence:
		return r.SetLocalPresenceField(c.field, c.value)
	}
	return fmt.Errorf("%s does not change anything", c.verb)
}

func parsePath(s string) crdt.Path {
	return crdt.P(strings.Split(s, ".")...)
}

// parseValue reads JSON, falling back to the raw text as a string
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// words splits line into at most n whitespace separated words; the last
// one keeps the rest of the line
func words(line string, n int) []string {
	var out []string
	rest := strings.TrimSpace(line)
	for rest != "" {
		if len(out) == n-1 {
			return append(out, rest)
		}
		i := strings.IndexFunc(rest, unicode.IsSpace)
		if i < 0 {
			return append(out, rest)
		}
		out = append(out, rest[:i])
		rest = strings.TrimSpace(rest[i:])
	}
	return out
}
