package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/migrate"
	"wardkeep.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("WARDKEEP_DIRECTORY_DSN"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "directory of *.sql seed files")
		timeout   = flag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or WARDKEEP_DIRECTORY_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := pg.Open(ctx, *dsn, pg.Pool{MaxOpen: 2})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	var opts []migrate.Option
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}
	mgr := migrate.NewManager(db, auth.Migrations(), opts...)

	var names []string
	switch flag.Arg(0) {
	case "up":
		names, err = mgr.Up(ctx)
	case "down":
		var name string
		if name, err = mgr.Down(ctx); err == nil {
			names = []string{name}
		}
	case "seed":
		names, err = mgr.Seed(ctx)
	case "status":
		names, err = mgr.Status(ctx)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
}
