package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/canonical/maas-sub017/internal/storage"
	"github.com/canonical/maas-sub017/internal/tftp"
)

type config struct {
	Listen         string `yaml:"listen"`
	Root           string `yaml:"root"`
	PortRangeMin   int    `yaml:"port_range_min"`
	PortRangeMax   int    `yaml:"port_range_max"`
	AllowOverwrite bool   `yaml:"allow_overwrite"`
	LogLevel       string `yaml:"log_level"`
}

func defaultConfig() config {
	return config{
		Listen:   ":69",
		Root:     ".",
		LogLevel: "info",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func setupLogging(level string) error {
	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s serve|get|put [flags]\n", filepath.Base(os.Args[0]))
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "get":
		err = get(os.Args[2:])
	case "put":
		err = put(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.WithError(err).Fatal("Exiting")
	}
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	listen := fs.String("listen", "", "listen address (overrides config)")
	root := fs.String("root", "", "directory served to clients (overrides config)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *root != "" {
		cfg.Root = *root
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return err
	}

	backend, err := storage.NewFilesystemBackend(cfg.Root, cfg.AllowOverwrite)
	if err != nil {
		return err
	}
	server := tftp.NewServer(backend,
		tftp.WithAddress(cfg.Listen),
		tftp.WithPortRange(cfg.PortRangeMin, cfg.PortRangeMax),
	)

	// The well-known port may linger in use across a quick restart;
	// retry the bind for a little while before giving up.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.RetryNotify(server.Listen, bo, func(err error, next time.Duration) {
		log.WithError(err).WithField("retry-in", next).Warn("Could not bind, retrying")
	}); err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		log.WithField("signal", sig).Info("Shutting down")
		server.Shutdown()
	}()

	return server.Serve()
}

func get(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	server := fs.String("server", "127.0.0.1:69", "server address")
	blksize := fs.String("blksize", "", "negotiate a block size")
	out := fs.String("out", "", "local destination (defaults to the remote filename)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("get needs exactly one filename")
	}
	if err := setupLogging("info"); err != nil {
		return err
	}
	filename := fs.Arg(0)
	dest := *out
	if dest == "" {
		dest = filepath.Base(filename)
	}

	backend, err := storage.NewFilesystemBackend(".", true)
	if err != nil {
		return err
	}
	w, err := backend.OpenWrite(dest)
	if err != nil {
		return err
	}

	client := tftp.NewClient(tftp.WithRequestOptions(requestOptions(*blksize)))
	if err := client.Get(*server, filename, w); err != nil {
		return err
	}
	log.WithFields(log.Fields{"filename": filename, "dest": dest}).Info("Download complete")
	return nil
}

func put(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	server := fs.String("server", "127.0.0.1:69", "server address")
	blksize := fs.String("blksize", "", "negotiate a block size")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("put needs exactly one filename")
	}
	if err := setupLogging("info"); err != nil {
		return err
	}
	filename := fs.Arg(0)

	backend, err := storage.NewFilesystemBackend(filepath.Dir(filename), false)
	if err != nil {
		return err
	}
	r, err := backend.OpenRead(filepath.Base(filename))
	if err != nil {
		return err
	}

	client := tftp.NewClient(tftp.WithRequestOptions(requestOptions(*blksize)))
	if err := client.Put(*server, filepath.Base(filename), r); err != nil {
		return err
	}
	log.WithField("filename", filename).Info("Upload complete")
	return nil
}

func requestOptions(blksize string) tftp.Options {
	var opts tftp.Options
	if blksize != "" {
		opts = append(opts, tftp.Option{Name: "blksize", Value: blksize})
	}
	return opts
}
