package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"ChatAssistant/internal/storage/postgresql"
)

func main() {
	var (
		databaseURL    string
		migrationsPath string
		down           bool
	)

	_ = godotenv.Load()

	flag.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	flag.StringVar(&migrationsPath, "migrations-path", "", "path to migrations, the embedded set when empty")
	flag.BoolVar(&down, "down", false, "roll every migration back")
	flag.Parse()

	if databaseURL == "" {
		panic("database-url is required")
	}

	var (
		m   *migrate.Migrate
		err error
	)
	if migrationsPath != "" {
		m, err = migrate.New("file://"+migrationsPath, databaseURL)
	} else {
		m, err = postgresql.NewMigrator(databaseURL)
	}
	if err != nil {
		panic(err)
	}
	defer func() { _, _ = m.Close() }()

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("no migrations to apply")
			return
		}
		panic(err)
	}

	if down {
		fmt.Println("migrations rolled back successfully")
		return
	}
	fmt.Println("migrations applied successfully")
}
