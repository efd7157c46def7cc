package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"gopkg.in/yaml.v3"

	"blockroom.com/collab/collab"
)

const DefaultPort = 8080

func main() {
	usage := `Collaboration server.

Serves the real-time room/project synchronization channel.

Usage:
    collabd serve [--port=<port>] [--config=<config>] [--store=<store>] [--v=<v>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    Yaml config file.
    --store=<store>      Action store path. In-memory when unset.
    --v=<v>              Log verbosity [default: 0].
    -p --port=<port>     Listen port.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], collab.Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

type config struct {
	Port           int    `yaml:"port"`
	StorePath      string `yaml:"store_path"`
	PublicIdLength int    `yaml:"public_id_length"`
	// sequences retire after this long with no events
	SequenceIdleTimeoutSeconds int `yaml:"sequence_idle_timeout_seconds"`
	// actions older than this are dropped from the log.
	// catch-up below the trimmed floor becomes a missing history error.
	RetentionHours int `yaml:"retention_hours"`
}

func defaultConfig() *config {
	return &config{
		Port:           DefaultPort,
		RetentionHours: 24,
	}
}

func loadConfig(path string) (*config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(configBytes, c); err != nil {
		return nil, err
	}
	return c, nil
}

func serve(opts docopt.Opts) {
	flag.CommandLine.Parse([]string{})
	flag.Set("logtostderr", "true")
	if v, err := opts.String("--v"); err == nil {
		flag.Set("v", v)
	}

	var configPath string
	if configPathAny := opts["--config"]; configPathAny != nil {
		configPath = configPathAny.(string)
	}
	c, err := loadConfig(configPath)
	if err != nil {
		glog.Errorf("[d]config error = %s\n", err)
		os.Exit(1)
	}

	// flags override the config file
	if port, err := opts.Int("--port"); err == nil {
		c.Port = port
	}
	if storePathAny := opts["--store"]; storePathAny != nil {
		c.StorePath = storePathAny.(string)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store collab.ActionStore
	if c.StorePath != "" {
		boltStore, err := collab.NewBoltActionStore(c.StorePath)
		if err != nil {
			glog.Errorf("[d]store error = %s\n", err)
			os.Exit(1)
		}
		store = boltStore
	} else {
		store = collab.NewMemoryActionStore()
	}
	defer store.Close()

	projects := collab.NewMemoryProjectStore()

	settings := collab.DefaultServerSettings()
	if 0 < c.PublicIdLength {
		settings.RegistrySettings.IdLength = c.PublicIdLength
	}
	if 0 < c.SequenceIdleTimeoutSeconds {
		settings.SessionSettings.SequenceIdleTimeout = time.Duration(c.SequenceIdleTimeoutSeconds) * time.Second
	}

	server := collab.NewServer(cancelCtx, store, projects, settings)
	defer server.Close()

	if 0 < c.RetentionHours {
		retention := time.Duration(c.RetentionHours) * time.Hour
		go func() {
			for {
				select {
				case <-cancelCtx.Done():
					return
				case <-time.After(time.Hour):
					if droppedCount, err := store.Compact(time.Now().Add(-retention)); err != nil {
						glog.Infof("[d]compact error = %s\n", err)
					} else if 0 < droppedCount {
						glog.Infof("[d]compacted %d actions\n", droppedCount)
					}
				}
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Port),
		Handler: server.Handler(),
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
		case <-cancelCtx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	glog.Infof("[d]listening on :%d\n", c.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("[d]serve error = %s\n", err)
		os.Exit(1)
	}
}
