package main

import (
	"github.com/ncemhub/distiller/go/config"
	"github.com/ncemhub/distiller/go/haadf"
	"go.gazette.dev/core/mainboilerplate/runconsumer"
)

func main() {
	config.BridgeBrokerEnv()
	runconsumer.Main(new(haadf.App))
}
