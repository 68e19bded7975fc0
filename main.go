package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/feedpipe/backend"
	"github.com/jackc/feedpipe/backend/data"
	"github.com/urfave/cli"
	"github.com/vaughan0/go-ini"
	log "gopkg.in/inconshreveable/log15.v2"
)

const version = "0.1.0"

type httpConfig struct {
	listenAddress string
	listenPort    string
}

func main() {
	app := cli.NewApp()
	app.Name = "feedpipe"
	app.Usage = "RSS and Atom feed ingestion pipeline"
	app.Version = version

	configFlag := cli.StringFlag{Name: "config, c", Value: "feedpipe.conf", Usage: "path to config file"}

	app.Commands = []cli.Command{
		{
			Name:        "server",
			ShortName:   "s",
			Usage:       "run the scheduler and status API",
			Description: "poll due feeds continuously and serve feed status over HTTP",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "address, a", Value: "127.0.0.1", Usage: "address to listen on"},
				cli.StringFlag{Name: "port, p", Value: "8080", Usage: "port to listen on"},
				configFlag,
			},
			Action: Serve,
		},
		{
			Name:      "update",
			Usage:     "update one feed now",
			ArgsUsage: "feed_id",
			Flags:     []cli.Flag{configFlag},
			Action:    Update,
		},
		{
			Name:        "preview",
			Usage:       "fetch and parse a feed without a database",
			ArgsUsage:   "url",
			Description: "run a full update cycle for url against an in-memory store and print the entries",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config, c", Usage: "optional path to config file"},
			},
			Action: Preview,
		},
		{
			Name:      "migrate",
			Usage:     "migrate the database",
			ArgsUsage: "[up|up-by-one|down|status|version|reset]",
			Flags:     []cli.Flag{configFlag},
			Action:    Migrate,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadHTTPConfig(c *cli.Context, conf ini.File) (httpConfig, error) {
	config := httpConfig{}
	config.listenAddress = c.String("address")
	config.listenPort = c.String("port")

	var ok bool
	if !c.IsSet("address") {
		if config.listenAddress, ok = conf.Get("server", "address"); !ok {
			return config, errors.New("Missing server address")
		}
	}

	if !c.IsSet("port") {
		if config.listenPort, ok = conf.Get("server", "port"); !ok {
			return config, errors.New("Missing server port")
		}
	}

	return config, nil
}

func newFeedUpdater(conf ini.File, repo backend.Repository, logger log.Logger) (*backend.FeedUpdater, error) {
	fetcher, err := backend.NewFetcher(conf, version, logger)
	if err != nil {
		return nil, err
	}

	throttler, err := backend.NewThrottler(conf)
	if err != nil {
		return nil, err
	}

	updaterConfig, err := backend.LoadFeedUpdaterConfig(conf)
	if err != nil {
		return nil, err
	}

	return backend.NewFeedUpdater(repo, fetcher, throttler, updaterConfig, logger.New("module", "feedUpdater")), nil
}

func Serve(c *cli.Context) error {
	conf, err := backend.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	httpConfig, err := loadHTTPConfig(c, conf)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := backend.NewLogger(conf)
	if err != nil {
		return err
	}

	pool, err := backend.NewPool(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := backend.NewPgxRepository(pool)
	updater, err := newFeedUpdater(conf, repo, logger)
	if err != nil {
		return err
	}

	go updater.KeepFeedsFresh(ctx)

	server := &http.Server{
		Addr:              net.JoinHostPort(httpConfig.listenAddress, httpConfig.listenPort),
		Handler:           backend.NewAPIHandler(repo, updater, logger.New("module", "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting to listen on: " + server.Addr)
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("Could not start web server: %v", err)
	}

	return nil
}

func Update(c *cli.Context) error {
	feedID, err := strconv.ParseInt(c.Args().First(), 10, 32)
	if err != nil {
		return fmt.Errorf("Bad feed_id: %v", err)
	}

	conf, err := backend.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	logger, err := backend.NewLogger(conf)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := backend.NewPool(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := backend.NewPgxRepository(pool)
	updater, err := newFeedUpdater(conf, repo, logger)
	if err != nil {
		return err
	}

	feed, err := repo.GetFeed(ctx, int32(feedID))
	if err != nil {
		return fmt.Errorf("Failed to load feed %d: %v", feedID, err)
	}

	result := updater.Update(ctx, *feed)
	return json.NewEncoder(os.Stdout).Encode(result)
}

func Preview(c *cli.Context) error {
	feedURL := c.Args().First()
	if feedURL == "" {
		return errors.New("Missing url")
	}

	conf := ini.File{}
	if path := c.String("config"); path != "" {
		var err error
		conf, err = backend.LoadConfig(path)
		if err != nil {
			return err
		}
	}

	ctx := context.Background()
	repo := backend.NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: feedURL})

	logger, err := backend.NewLogger(conf)
	if err != nil {
		return err
	}

	updater, err := newFeedUpdater(conf, repo, logger)
	if err != nil {
		return err
	}

	feed, err := repo.GetFeed(ctx, feedID)
	if err != nil {
		return err
	}

	result := updater.Update(ctx, *feed)
	fmt.Printf("%s: %d new entries", result.Outcome, result.NewEntries)
	if result.Message != "" {
		fmt.Printf(" (%s)", result.Message)
	}
	fmt.Println()

	feed, err = repo.GetFeed(ctx, feedID)
	if err != nil {
		return err
	}
	if feed.Name.Valid {
		fmt.Println("Title:   ", feed.Name.String)
	}
	if feed.SiteURL.Valid {
		fmt.Println("Site URL:", feed.SiteURL.String)
	}
	fmt.Println("Next poll in", feed.UpdateInterval)

	for _, e := range repo.Entries() {
		fmt.Println()
		fmt.Println(e.Title)
		fmt.Println("  link:", e.Link)
		fmt.Println("  guid:", e.GUID)
		if e.Author != "" {
			fmt.Println("  author:", e.Author)
		}
		if e.PublishedAt.Valid {
			fmt.Println("  published:", e.PublishedAt.Time.Format(time.RFC3339))
		}
		for _, enc := range repo.Enclosures(e.ID) {
			fmt.Printf("  enclosure: %s (%s)\n", enc.URL, enc.MimeType)
		}
	}

	if result.Outcome == backend.OutcomeError {
		return errors.New(result.Message)
	}
	return nil
}

func Migrate(c *cli.Context) error {
	command := c.Args().First()
	if command == "" {
		command = "up"
	}

	conf, err := backend.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	logger, err := backend.NewLogger(conf)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := backend.NewPool(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	return data.Migrate(ctx, pool, command, logger.New("module", "migrate"))
}
