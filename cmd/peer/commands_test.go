package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/internal/crdt"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"", command{}},
		{"   ", command{}},
		{"set title Groceries", command{verb: verbSet, path: crdt.P("title"), value: "Groceries"}},
		{"set title Weekly groceries", command{verb: verbSet, path: crdt.P("title"), value: "Weekly groceries"}},
		{"set meta.count 3", command{verb: verbSet, path: crdt.P("meta", "count"), value: float64(3)}},
		{`set items ["milk", "eggs"]`, command{verb: verbSet, path: crdt.P("items"), value: []any{"milk", "eggs"}}},
		{"SET done true", command{verb: verbSet, path: crdt.P("done"), value: true}},
		{"del meta.count", command{verb: verbDel, path: crdt.P("meta", "count")}},
		{`push items {"name": "bread"}`, command{verb: verbPush, path: crdt.P("items"), value: map[string]any{"name": "bread"}}},
		{"insert items 0 butter", command{verb: verbInsert, path: crdt.P("items"), index: 0, value: "butter"}},
		{"update items 1 null", command{verb: verbUpdate, path: crdt.P("items"), index: 1, value: nil}},
		{"remove items 2", command{verb: verbRemove, path: crdt.P("items"), index: 2}},
		{"name Ana Lima", command{verb: verbName, field: "name", value: "Ana Lima"}},
		{`presence cursor {"x": 1}`, command{verb: verbPresence, field: "cursor", value: map[string]any{"x": float64(1)}}},
		{"show", command{verb: verbShow}},
		{"exit", command{verb: verbQuit}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommand_Errors(t *testing.T) {
	for _, line := range []string{
		"frobnicate x",
		"set title",
		"del",
		"insert items x milk",
		"remove items",
		"name",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := parseCommand(line)
			assert.Error(t, err)
		})
	}
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"set", "a", "b  c"}, words("  set  a b  c ", 3))
	assert.Equal(t, []string{"del"}, words("del", 2))
	assert.Empty(t, words("", 2))
}
