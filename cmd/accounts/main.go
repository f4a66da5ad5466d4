// Command accounts hashes secrets and provisions staff accounts.
//
//	accounts hash                          print a bcrypt hash for a secret read from the terminal
//	accounts create -identifier a@b.com -role manager -driver postgres -dsn ...
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/config"
	"wardkeep.org/internal/store"
	"wardkeep.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal("usage: accounts [hash|create] [flags]")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "hash":
		err = runHash(ctx, os.Args[2:])
	case "create":
		err = runCreate(ctx, os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runHash(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	cost := fs.Int("cost", auth.DefaultPasswordCost, "bcrypt cost")
	_ = fs.Parse(args)

	secret, err := readSecret()
	if err != nil {
		return err
	}
	hash, err := auth.NewPasswordHasher(*cost, 1).Hash(ctx, secret)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func runCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	var (
		identifier = fs.String("identifier", "", "login identifier")
		role       = fs.String("role", string(auth.RoleManager), "manager or supervisor")
		driver     = fs.String("driver", config.DirectoryPostgres, "directory driver: postgres or sqlite")
		dsn        = fs.String("dsn", os.Getenv("WARDKEEP_DIRECTORY_DSN"), "directory connection string")
		cost       = fs.Int("cost", auth.DefaultPasswordCost, "bcrypt cost")
	)
	_ = fs.Parse(args)

	r, err := auth.ParseRole(*role)
	if err != nil {
		return err
	}
	dir, closeDir, err := openDirectory(ctx, *driver, *dsn)
	if err != nil {
		return err
	}
	defer closeDir()

	secret, err := readSecret()
	if err != nil {
		return err
	}
	hash, err := auth.NewPasswordHasher(*cost, 1).Hash(ctx, secret)
	if err != nil {
		return err
	}
	account := auth.Account{Identifier: *identifier, PasswordHash: hash, Role: r}
	if err := dir.CreateAccount(ctx, &account); err != nil {
		if errors.Is(err, auth.ErrAlreadyExists) {
			return fmt.Errorf("%s already has an account", auth.NormalizeIdentifier(*identifier))
		}
		return err
	}
	fmt.Printf("created %s (%s) as %s\n", account.Identifier, account.ID, account.Role)
	return nil
}

func openDirectory(ctx context.Context, driver, dsn string) (auth.AccountWriter, func(), error) {
	switch driver {
	case config.DirectoryPostgres:
		db, err := pg.Open(ctx, dsn, pg.Pool{MaxOpen: 1})
		if err != nil {
			return nil, nil, err
		}
		return auth.NewPGDirectory(db), func() { _ = db.Close() }, nil
	case config.DirectorySQLite:
		db, err := store.OpenSQLite(dsn)
		if err != nil {
			return nil, nil, err
		}
		dir, err := auth.NewGormDirectory(db)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return dir, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unsupported directory driver %q", driver)
	}
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "secret: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("empty secret")
	}
	return secret, nil
}
