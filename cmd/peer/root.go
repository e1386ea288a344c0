package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"roomsync/internal/config"
	"roomsync/internal/discovery"
	"roomsync/internal/peer"
)

// rootOptions holds the flags of the peer command
type rootOptions struct {
	Server   string
	Room     string
	Name     string
	Discover bool
	Direct   bool
	ICE      []string
	Format   string // "yaml" | "json"
}

var validFormats = []string{"yaml", "json"}

const discoverTimeout = 3 * time.Second

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "roomsync-peer",
		Short: "Join a roomsync room and edit its shared document",
		Long: `Connects to a rendezvous server, joins a room and keeps a replica of the
room's document in sync with every other peer. Commands are read from stdin,
one per line; the document and presence are printed on every change.

  set PATH VALUE            set a key (PATH is dot separated, VALUE is JSON or text)
  del PATH                  delete a key
  push PATH VALUE           append to a list
  insert PATH INDEX VALUE   insert into a list
  update PATH INDEX VALUE   replace a list element
  remove PATH INDEX         remove a list element
  name NAME                 set your presence name
  presence FIELD VALUE      set any presence field
  show                      print the current state
  quit                      leave the room`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			if opts.Room == "" {
				return fmt.Errorf("--room is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, in, out, errOut)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "rendezvous server URL (default $SIGNALING_URL)")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room to join")
	cmd.Flags().StringVar(&opts.Name, "name", "", "presence name (default $PEER_NAME)")
	cmd.Flags().BoolVar(&opts.Discover, "discover", false, "find a server on the local network with mDNS")
	cmd.Flags().BoolVar(&opts.Direct, "direct", true, "open WebRTC data channels to other peers, relaying only as a fallback")
	cmd.Flags().StringSliceVar(&opts.ICE, "ice-server", nil, "STUN/TURN url for direct links, repeatable (default $ICE_SERVERS)")
	cmd.Flags().StringVar(&opts.Format, "format", "yaml", "output format (yaml|json)")
	// glog's -v, -logtostderr, ...
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

func run(ctx context.Context, opts *rootOptions, in io.Reader, out, errOut io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	server := opts.Server
	if server == "" {
		server = cfg.SignalingURL
	}
	name := opts.Name
	if name == "" {
		name = cfg.PeerName
	}

	if opts.Discover {
		servers, err := discovery.Browse(ctx, discoverTimeout)
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			return fmt.Errorf("no rendezvous server found on the local network")
		}
		server = servers[0].URL
		fmt.Fprintf(errOut, "using %s (%s)\n", server, servers[0].Instance)
	}

	settings := peer.DefaultSettings()
	var dialer peer.PeerDialer
	if opts.Direct {
		ice := opts.ICE
		if len(ice) == 0 {
			ice = cfg.ICEServers
		}
		dialer = peer.NewWebRTCDialer(ice)
	}
	session := peer.NewSessionWithPeerDialer(peer.NewWebSocketTransport(server, settings), dialer, settings)
	if err := session.Connect(opts.Room); err != nil {
		return err
	}
	defer session.Disconnect()
	glog.Infof("joined room %s as %s via %s", opts.Room, session.ReplicaID(), server)

	if name != "" {
		if err := session.SetLocalPresenceField("name", name); err != nil {
			return err
		}
	}

	return interact(ctx, session, in, &printer{format: opts.Format, out: out}, errOut)
}

// interact applies commands from in until EOF, quit or ctx ends, printing
// the session's state whenever it changes
func interact(ctx context.Context, session *peer.Session, in io.Reader, p *printer, errOut io.Writer) error {
	changes := make(chan struct{}, 1)
	unsubscribe := session.Subscribe(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-changes:
			if err := p.print(viewOf(session)); err != nil {
				return err
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			c, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(errOut, err)
				continue
			}
			switch c.verb {
			case verbNone:
			case verbQuit:
				return nil
			case verbShow:
				if err := p.print(viewOf(session)); err != nil {
					return err
				}
			default:
				if err := c.apply(session); err != nil {
					fmt.Fprintln(errOut, err)
				}
			}
		}
	}
}
