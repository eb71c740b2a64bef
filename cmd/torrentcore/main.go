package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gopherlabs/bittorrent-core/config"
	"github.com/gopherlabs/bittorrent-core/logging"
	"github.com/gopherlabs/bittorrent-core/metrics"

	torrentcore "github.com/gopherlabs/bittorrent-core"
)

func usage() {
	fmt.Printf(`%s [options] <torrent-file>

    torrent-file    Path of the .torrent file to download

    -c config-file  Optional: path of a YAML config file.
                    If not set, this client's built-in defaults are used.
    -o output-dir   Optional: overrides the config's output directory.
    -d              Enable verbose development-style logging.
`, os.Args[0])
	os.Exit(2)
}

func main() {
	var configPath, outPath string
	var debug bool
	flag.Usage = usage
	flag.StringVar(&configPath, "c", "", "")
	flag.StringVar(&outPath, "o", "", "")
	flag.BoolVar(&debug, "d", false, "")
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}
	torrentPath := flag.Arg(0)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if outPath != "" {
		cfg.OutputDir = outPath
	}

	logger, err := logging.New(debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	scope, closer := metrics.New(cfg.Metrics)
	defer closer.Close()

	err = torrentcore.Download(context.Background(), torrentcore.Options{
		TorrentPath: torrentPath,
		Config:      cfg,
		Logger:      logger,
		Scope:       scope,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
