package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/cli"
	"github.com/dmacmillan/Kive-sub000/common/log/hooks"
)

func main() {
	log.AddHook(hooks.NewContextHook())

	client := cli.NewFleetCLIClient()
	if err := client.Exec(); err != nil {
		log.Fatal(err)
	}
}
