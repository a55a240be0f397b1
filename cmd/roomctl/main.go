// Package main provides a CLI for listing and creating public chat rooms.
//
// Usage:
//
//	roomctl [-config path] list
//	roomctl [-config path] create -description "..." <room>
//	roomctl [-config path] seed [-file content/rooms.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/directory"
	"github.com/cory-johannsen/parley/internal/storage/postgres"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config path] list | create [-description text] <room> | seed [-file path]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load(*envFile)

	dbCfg, err := config.LoadDatabase(*configPath)
	if err != nil {
		log.Fatalf("loading database config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dbCfg)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	rooms := postgres.NewRoomRepository(pool.DB())
	dir := directory.New(rooms, zap.NewNop())

	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "list":
		err = list(ctx, rooms)
	case "create":
		err = create(ctx, dir, args)
	case "seed":
		err = seed(ctx, dir, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
	fmt.Fprintf(os.Stderr, "[%s]\n", time.Since(start))
}

func list(ctx context.Context, rooms *postgres.RoomRepository) error {
	infos, err := rooms.Describe(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tMESSAGES\tCREATED\tDESCRIPTION")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			info.Name,
			humanize.Comma(info.Messages),
			humanize.Time(info.CreatedAt),
			info.Description,
		)
	}
	return tw.Flush()
}

func create(ctx context.Context, dir *directory.Directory, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	description := fs.String("description", "", "room description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one room name, got %d", fs.NArg())
	}
	name, err := dir.Create(ctx, fs.Arg(0), *description)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "created room %s\n", name)
	return nil
}

func seed(ctx context.Context, dir *directory.Directory, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	file := fs.String("file", "content/rooms.yaml", "room seed file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	seeds, err := directory.LoadSeedFile(*file)
	if err != nil {
		return err
	}
	created, err := dir.Seed(ctx, seeds)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "seeded %d of %d rooms from %s\n", created, len(seeds), *file)
	return nil
}
