package main

import (
	"context"
	"log"
	"os"

	"github.com/trezcool/shule/apps/container"
	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/storage/database"
)

func main() {
	conf := core.NewConfig()

	c, err := container.New(conf)
	if err != nil {
		log.Fatalf("setting up dependencies: %+v", err)
	}

	cli := commandLine{
		usrSvc:  c.UserSvc,
		usrRepo: c.UsrRepo,
		engine:  c.Engine,
		local:   c.Local,
	}
	if c.DB != nil {
		cli.migrate = func(command string, args ...string) error {
			return database.Migrate(c.DB, command, args...)
		}
	}

	err = cli.run(context.Background(), os.Args[1:], os.Stdout)
	if err != nil {
		c.Logger.Error("admin command failed", err)
	}
	c.Close()
	if err != nil {
		os.Exit(1)
	}
}
