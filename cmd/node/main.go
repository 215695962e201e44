// Package main implements a gramlink leaf node: it dials a hub over the
// blob-backed mesh, forwards stdin lines as writes, and prints every
// delivery it receives.
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gramlink/pkg/protocol"
	"gramlink/pkg/transport"
)

// Exit codes.
const (
	Success          = 0 // success
	ErrBadConfig     = 1 // configuration unusable
	ErrMeshJoin      = 2 // could not join the mesh
	ErrDialFailed    = 3 // handshake with the hub failed
	ErrInterrupted   = 4 // terminated by signal
	ErrWriteFailed   = 5 // write to the hub failed
	ErrMissingServer = 6 // no hub address given
)

// printer logs every frame the socket buffers.
type printer struct{}

func (printer) OnFrame(f *protocol.Frame, values [][]byte) {
	event := log.Info().
		Str("from", f.Origin).
		Str("kind", protocol.KindName(f.Kind))
	if len(values) > 0 {
		event = event.Str("message", string(values[0]))
	}
	event.Msg("Delivery")
}

// init configures logging with zerolog.
func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	var (
		configPath string
		hubAddr    string
		channel    uint
		name       string
	)
	flag.StringVar(&configPath, "c", "config.json", "path to configuration file")
	flag.StringVar(&hubAddr, "s", "", "mesh address of the hub to dial")
	flag.UintVar(&channel, "p", 1000, "channel the hub listens on")
	flag.StringVar(&name, "n", "node", "name announced in connection settings")
	flag.Parse()

	if hubAddr == "" {
		log.Error().Msg("No hub address given (-s)")
		os.Exit(ErrMissingServer)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(ErrBadConfig)
	}

	service, err := NewServiceURL(config)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize storage")
		os.Exit(ErrBadConfig)
	}

	// Create context that can be cancelled with CTRL+C
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	// The node outlives the signal context so Close can still push the
	// destroy frame during shutdown.
	node, err := transport.JoinBlobMesh(context.Background(), service, config.ContainerPrefix)
	if err != nil {
		log.Error().Err(err).Msg("Failed to join mesh")
		os.Exit(ErrMeshJoin)
	}

	settings := map[string]string{"name": name}
	sock, err := protocol.Dial(node, hubAddr, uint16(channel), settings, protocol.DefaultDialTimeout)
	if err != nil {
		log.Error().Err(err).Str("hub", hubAddr).Msg("Dial failed")
		node.Leave()
		os.Exit(ErrDialFailed)
	}
	log.Info().Str("hub", hubAddr).Uint("channel", channel).Msg("Connected")

	sock.AddListener(printer{})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	code := Success
loop:
	for {
		select {
		case <-ctx.Done():
			code = ErrInterrupted
			break loop
		case line, ok := <-lines:
			if !ok {
				// stdin closed: leave gracefully
				break loop
			}
			if line == "" {
				continue
			}
			if err := sock.Write([]byte(line)); err != nil {
				log.Error().Err(err).Msg("Write failed")
				code = ErrWriteFailed
				break loop
			}
		}
	}

	if err := sock.Close(); err != nil {
		log.Warn().Err(err).Msg("Teardown incomplete")
	}

	// Give the destroy frame a moment to reach the hub's mailbox.
	time.Sleep(100 * time.Millisecond)
	node.Leave()
	os.Exit(code)
}
