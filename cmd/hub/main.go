// Package main implements the gramlink hub console: an interactive
// server endpoint on a blob-backed datagram mesh.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gramlink/pkg/protocol"
	"gramlink/pkg/transport"
)

// CLI banner with version.
const banner = `
                           _ _       _
  __ _ _ __ __ _ _ __ ___ | (_)_ __ | | __
 / _` + "`" + ` | '__/ _` + "`" + ` | '_ ` + "`" + ` _ \| | | '_ \| |/ /
| (_| | | | (_| | | | | | | | | | | |   <
 \__, |_|  \__,_|_| |_| |_|_|_|_| |_|_|\_\
 |___/

   Socket sessions over blob mailboxes (v1.0)
   ------------------------------------------

`

// DefaultChannel is used when serve is invoked without a channel flag.
const DefaultChannel = 1000

// Global state.
var (
	config *Config             // app config
	node   *transport.BlobNode // local mesh endpoint
	sock   *protocol.Socket    // running server socket
)

// chatLog prints every frame the socket buffers, as it arrives.
type chatLog struct{}

func (chatLog) OnFrame(f *protocol.Frame, values [][]byte) {
	event := log.Info().
		Str("from", f.Origin).
		Str("kind", protocol.KindName(f.Kind))
	if len(values) > 0 {
		event = event.Str("message", string(values[0]))
	}
	event.Msg("Frame received")
}

// RenderPeerTable formats the accepted peer set into a table.
func RenderPeerTable(peers []protocol.Peer) string {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Addr < peers[j].Addr })

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Peer address", "Channel"})
	for _, p := range peers {
		t.AppendRow(table.Row{p.Addr, p.Channel})
	}
	return t.Render()
}

// AddCommands registers all CLI commands with the application.
func AddCommands(app *grumble.App) {
	// Command to start the server socket
	app.AddCommand(&grumble.Command{
		Name:    "serve",
		Aliases: []string{"listen"},
		Help:    "start accepting peers on a channel",
		Flags: func(f *grumble.Flags) {
			f.Uint("p", "channel", DefaultChannel, "channel to listen on")
		},
		Run: func(c *grumble.Context) error {
			if sock != nil {
				log.Warn().Msg("Already serving. Use 'stop' first")
				return nil
			}

			channel := uint16(c.Flags.Uint("channel"))
			sock = protocol.Listen(node, channel, map[string]string{"name": "hub"})
			sock.SetAdmission(func(f *protocol.Frame, _ [][]byte) error {
				switch f.Kind {
				case protocol.KindCreate:
					log.Info().Str("peer", f.Origin).Msg("Peer joined")
				case protocol.KindDestroy:
					log.Info().Str("peer", f.Origin).Msg("Peer left")
				}
				return nil
			})
			sock.AddListener(chatLog{})

			log.Info().Uint16("channel", channel).Msg("Serving")
			c.App.SetPrompt(fmt.Sprintf("hub:%d » ", channel))
			return nil
		},
	})
	// Command to list accepted peers
	app.AddCommand(&grumble.Command{
		Name:    "peers",
		Aliases: []string{"ls"},
		Help:    "list accepted peers",
		Run: func(c *grumble.Context) error {
			if sock == nil {
				log.Warn().Msg("Not serving. Use 'serve' first")
				return nil
			}
			peers := sock.Peers()
			if len(peers) == 0 {
				log.Info().Msg("No peers accepted yet")
				return nil
			}
			c.App.Println(RenderPeerTable(peers))
			return nil
		},
	})
	// Command to broadcast a message to all peers
	app.AddCommand(&grumble.Command{
		Name: "cast",
		Help: "broadcast a message to every peer on the channel",
		Args: func(a *grumble.Args) {
			a.StringList("words", "message to broadcast")
		},
		Run: func(c *grumble.Context) error {
			if sock == nil {
				log.Warn().Msg("Not serving. Use 'serve' first")
				return nil
			}
			message := strings.Join(c.Args.StringList("words"), " ")
			if err := sock.Write([]byte(message)); err != nil {
				log.Error().Err(err).Msg("Broadcast failed")
			}
			return nil
		},
	})
	// Command to drain buffered deliveries
	app.AddCommand(&grumble.Command{
		Name: "inbox",
		Help: "drain and print buffered deliveries",
		Run: func(c *grumble.Context) error {
			if sock == nil {
				log.Warn().Msg("Not serving. Use 'serve' first")
				return nil
			}
			count := 0
			for d := sock.Read(); d != nil; d = sock.Read() {
				message := ""
				if len(d.Values) > 0 {
					message = string(d.Values[0])
				}
				c.App.Println(fmt.Sprintf("%s [%s] %s", d.Frame.Origin, protocol.KindName(d.Frame.Kind), message))
				count++
			}
			if count == 0 {
				log.Info().Msg("Inbox empty")
			}
			return nil
		},
	})
	// Command to stop the server socket
	app.AddCommand(&grumble.Command{
		Name: "stop",
		Help: "close the server socket",
		Run: func(c *grumble.Context) error {
			if sock == nil {
				log.Warn().Msg("Not serving")
				return nil
			}
			if err := sock.Close(); err != nil {
				log.Warn().Err(err).Msg("Teardown incomplete")
			}
			sock = nil
			c.App.SetPrompt("gramlink » ")
			log.Info().Msg("Stopped")
			return nil
		},
	})
	// Command to show the local mesh address
	app.AddCommand(&grumble.Command{
		Name: "whoami",
		Help: "print this hub's mesh address",
		Run: func(c *grumble.Context) error {
			c.App.Println(node.Address())
			return nil
		},
	})
}

func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	err := app.Run()

	if sock != nil {
		sock.Close()
	}
	if node != nil {
		node.Leave()
	}
	if err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface with basic configuration.
func setupCLI() *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".gramlink" // current working directory
	} else {
		histFile = filepath.Join(home, ".gramlink")
	}

	app := grumble.New(&grumble.Config{
		Name:        "gramlink",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "config.json", "path to configuration file")
		},
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		var err error
		config, err = LoadConfig(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		service, err := NewServiceURL(config)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %v", err)
		}

		node, err = transport.JoinBlobMesh(context.Background(), service, config.ContainerPrefix)
		if err != nil {
			return fmt.Errorf("failed to join mesh: %v", err)
		}

		log.Info().Str("address", node.Address()).Msg("Joined mesh")
		return nil
	})

	return app
}
