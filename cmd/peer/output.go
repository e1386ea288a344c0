package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"roomsync/internal/peer"
)

// view is what the peer prints on every change
type view struct {
	Room     string                    `json:"room" yaml:"room"`
	Replica  string                    `json:"replica" yaml:"replica"`
	State    string                    `json:"state" yaml:"state"`
	Peers    []string                  `json:"peers" yaml:"peers"`
	Direct   []string                  `json:"direct,omitempty" yaml:"direct,omitempty"`
	Version  uint64                    `json:"version" yaml:"version"`
	Document map[string]any            `json:"document" yaml:"document"`
	Presence map[string]map[string]any `json:"presence" yaml:"presence"`
}

func viewOf(s *peer.Session) view {
	snap := s.CurrentSnapshot()
	v := view{
		Room:     s.RoomID(),
		Replica:  string(s.ReplicaID()),
		State:    s.State().String(),
		Peers:    s.Peers(),
		Direct:   s.DirectPeers(),
		Version:  snap.Version(),
		Document: snap.Value(),
		Presence: make(map[string]map[string]any),
	}
	if local := s.LocalPresenceState(); len(local.Fields) > 0 {
		v.Presence[v.Replica] = local.Fields
	}
	for id, rec := range s.RemotePresenceStates() {
		v.Presence[string(id)] = rec.Fields
	}
	return v
}

// printer writes views in the chosen format
type printer struct {
	format string
	out    io.Writer
}

func (p *printer) print(v view) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	if _, err := fmt.Fprintln(p.out, "---"); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
