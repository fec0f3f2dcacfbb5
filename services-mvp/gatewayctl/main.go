package main

import "github.com/illmade-knight/telemetry-gateway/services-mvp/gatewayctl/cmd"

func main() {
	cmd.Execute()
}
