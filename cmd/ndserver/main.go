package main

import (
	"log"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/ndrelay/ndserver/internal/bootstrap"
	"github.com/ndrelay/ndserver/internal/portrange"
	"github.com/ndrelay/ndserver/internal/relay"
)

// Exit codes, per spec.md §6.
const (
	exitOK                 = 0
	exitInitFailure        = 101
	exitMissingPort        = 102
	exitNetworkSubsystem   = 103 // Windows-only WSAStartup failure; not applicable on this platform
	exitListenSocketFailed = 104
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "ndserver"
	app.Usage = "AR scene pub/sub relay"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "p, port",
			Usage: `listen port, eg: "9000" or a range "9000-9002" to run one relay per port`,
		},
		cli.StringFlag{
			Name:  "listen-host",
			Value: "0.0.0.0",
			Usage: "listen host, combined with -p",
		},
		cli.StringFlag{
			Name:   "ROOTDIR",
			EnvVar: "ROOTDIR",
			Usage:  "runtime root directory; must contain log/ and status/",
		},
		cli.BoolFlag{
			Name:  "TRACE",
			Usage: "enable trace-level logging",
		},
		cli.BoolFlag{
			Name:  "D, debug",
			Usage: "skip the ROOTDIR check and lockfile arbitration (the server never daemonizes; it always runs in the foreground)",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress per-connection open/close log lines",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path; default goes to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from JSON or YAML file, overrides the command line",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Printf("%+v", err)
		os.Exit(exitInitFailure)
	}
}

func run(c *cli.Context) error {
	instanceID := uuid.New().String()

	config := Config{
		Listen:  joinHostPort(c.String("listen-host"), c.String("port")),
		RootDir: c.String("ROOTDIR"),
		Trace:   c.Bool("TRACE"),
		Debug:   c.Bool("D") || c.Bool("debug"),
		Log:     c.String("log"),
		Quiet:   c.Bool("quiet"),
	}

	if c.String("c") != "" {
		if err := parseConfigFile(&config, c.String("c")); err != nil {
			log.Printf("%+v", err)
			os.Exit(exitInitFailure)
		}
	}

	if c.String("port") == "" && config.Listen == "" {
		color.Red("ndserver: -p/-port is mandatory")
		os.Exit(exitMissingPort)
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Printf("%+v", err)
			os.Exit(exitInitFailure)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	listenRange, err := portrange.Parse(config.Listen)
	if err != nil {
		log.Printf("%+v", err)
		os.Exit(exitInitFailure)
	}

	log.Printf("ndserver: instance=%s version=%s listening on %s", instanceID, VERSION, config.Listen)
	log.Println("ndserver: trace:", config.Trace, "quiet:", config.Quiet, "debug:", config.Debug)

	if !config.Debug {
		if config.RootDir == "" {
			color.Red("ndserver: ROOTDIR is required unless -D/-debug is set")
			os.Exit(exitInitFailure)
		}
		if err := bootstrap.CheckRootDir(config.RootDir); err != nil {
			log.Printf("%+v", err)
			os.Exit(exitInitFailure)
		}
		lock, err := bootstrap.AcquireLock(config.RootDir, "ndserver")
		if err != nil {
			log.Printf("%+v", err)
			os.Exit(exitInitFailure)
		}
		defer lock.Release()
		log.Println("ndserver: holding lockfile", lock.Path())
	}

	var servers []*relay.Server
	for _, addr := range listenRange.Ports() {
		srv, err := relay.NewServer(addr, config.Trace)
		if err != nil {
			log.Printf("%+v", err)
			os.Exit(exitListenSocketFailed)
		}
		servers = append(servers, srv)
	}

	installSignalHandlers(servers, config.Log)

	var wg sync.WaitGroup
	for i, srv := range servers {
		wg.Add(1)
		go func(addr string, srv *relay.Server) {
			defer wg.Done()
			log.Println("ndserver: relay running on", addr)
			if err := srv.Run(); err != nil {
				log.Printf("ndserver: relay on %s exited: %+v", addr, err)
			}
		}(listenRange.Ports()[i], srv)
	}
	wg.Wait()

	log.Println("ndserver: shut down cleanly")
	return nil
}

func joinHostPort(host, port string) string {
	if port == "" {
		return ""
	}
	return host + ":" + port
}
