// autohost - controller for a fleet of dedicated RTS engine processes,
// driven by a remote lobby server over the tachyon protocol.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ernie/spring-autohost/internal/adapter"
	"github.com/ernie/spring-autohost/internal/buffer"
	"github.com/ernie/spring-autohost/internal/config"
	"github.com/ernie/spring-autohost/internal/engine"
	"github.com/ernie/spring-autohost/internal/manager"
	"github.com/ernie/spring-autohost/internal/tachyon"
	"github.com/ernie/spring-autohost/internal/versions"
)

var version = "dev"

const defaultConfigPath = "/etc/spring-autohost/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("spring-autohost %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: autohost <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve [--config path]  Run the controller")
	fmt.Println("  version                Print version")
	fmt.Println("  help                   Show this help")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Fatal: %v", err)
		os.Exit(1)
	}

	if err := serve(cfg); err != nil {
		log.Printf("Fatal: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// serve wires the components and runs until a graceful drain completes. Only
// initialization failures return an error.
func serve(cfg *config.Config) error {
	buf := buffer.New(cfg.MaxUpdatesSubscriptionAge())

	var adp *adapter.Adapter

	mgr := manager.New(manager.Options{
		EnginesDir:        cfg.EnginesDir,
		InstancesDir:      cfg.InstancesDir,
		EngineBindIP:      cfg.EngineBindIP,
		EngineStartPort:   cfg.EngineStartPort,
		AutohostStartPort: cfg.EngineAutohostStartPort,
		MaxPortsUsed:      cfg.MaxPortsUsed,
		MaxBattles:        cfg.MaxBattles,
		MaxGameDuration:   cfg.MaxGameDuration(),
		EngineSettings:    cfg.EngineSettings,
	}, manager.Handlers{
		Packet:   func(battleID string, ev engine.Event) { adp.HandlePacket(battleID, ev) },
		Error:    func(battleID string, err error) { adp.HandleEngineError(battleID, err) },
		Exit:     func(battleID string) { adp.HandleExit(battleID) },
		Capacity: func(int) { adp.PublishStatus() },
	})

	registry := versions.NewRegistry(cfg.EnginesDir, versions.InstallOptions{
		CDNBaseURL:       cfg.EngineCdnBaseURL,
		Timeout:          cfg.EngineInstallTimeout(),
		MaxAttempts:      cfg.EngineDownloadMaxAttempts,
		RetryBackoffBase: cfg.EngineDownloadRetryBackoffBase(),
	}, versions.Handlers{
		Versions: func(v []string) { adp.HandleVersions(v) },
	})

	adp = adapter.New(cfg.HostingIP, mgr, registry, buf)

	// Enumerating engines/ must work before anything talks to the lobby.
	if err := registry.Start(); err != nil {
		return err
	}
	defer registry.Stop()

	dispatcher, err := tachyon.NewDispatcher(adp.Handlers())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal drains, second one kills.
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	drained := make(chan struct{})
	go func() {
		<-sigc
		log.Printf("Shutdown requested, draining %d battles", mgr.Current())
		go func() {
			if err := adp.Drain(ctx); err == nil {
				close(drained)
			}
		}()
		<-sigc
		log.Printf("Second signal, killing all battles")
		adp.ForceClose()
		os.Exit(1)
	}()

	go runLobbyLoop(ctx, cfg, adp, dispatcher)

	<-drained
	cancel()
	log.Printf("All battles finished, exiting")
	return nil
}

// runLobbyLoop keeps one lobby connection alive for the life of the
// process, with exponential backoff between attempts.
func runLobbyLoop(ctx context.Context, cfg *config.Config, adp *adapter.Adapter, dispatcher *tachyon.Dispatcher) {
	const initialDelay = 50 * time.Millisecond
	delay := initialDelay

	for ctx.Err() == nil {
		closed := make(chan struct{})
		var client *tachyon.Client
		client = tachyon.NewClient(tachyon.ClientOptions{
			Host:         cfg.TachyonServer,
			Port:         cfg.TachyonServerPort,
			Secure:       cfg.Secure(),
			ClientID:     cfg.AuthClientID,
			ClientSecret: cfg.AuthClientSecret,
		}, tachyon.ClientHandlers{
			// Connected fires before the read loop starts, so the
			// publication path exists before the first request arrives.
			Connected: func() {
				log.Printf("Connected to lobby at %s", cfg.TachyonServer)
				adp.Connected(client.Send)
			},
			Message: func(env *tachyon.Envelope) {
				handleMessage(client, dispatcher, env)
			},
			Error: func(err error) {
				log.Printf("Lobby connection error: %v", err)
			},
			Close: func() {
				close(closed)
			},
		})

		if err := client.Connect(ctx); err != nil {
			log.Printf("Connecting to lobby: %v (retrying in %s)", err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, cfg.MaxReconnectDelay())
			continue
		}

		delay = initialDelay

		select {
		case <-ctx.Done():
			client.Close()
			<-closed
		case <-closed:
			log.Printf("Lobby connection closed, reconnecting")
		}
		adp.Disconnected()
	}
}

// handleMessage dispatches one inbound frame. Requests run in their own
// goroutine so a slow command (an engine install, say) does not stall the
// channel.
func handleMessage(client *tachyon.Client, dispatcher *tachyon.Dispatcher, env *tachyon.Envelope) {
	switch env.Type {
	case tachyon.TypeRequest:
		go func() {
			resp := dispatcher.Dispatch(env)
			if err := client.Send(resp); err != nil {
				log.Printf("Sending response for %s: %v", env.CommandID, err)
			}
		}()
	case tachyon.TypeResponse:
		// Responses to our own events need no bookkeeping.
	default:
		log.Printf("Ignoring unexpected %s message %s", env.Type, env.CommandID)
	}
}
