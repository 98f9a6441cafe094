package main

import (
	"github.com/ncemhub/distiller/go/config"
	"github.com/ncemhub/distiller/go/scans"
	"go.gazette.dev/core/mainboilerplate/runconsumer"
)

func main() {
	config.BridgeBrokerEnv()
	runconsumer.Main(new(scans.App))
}
