package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/cantroller/cantroller/pkg/bus"
	"github.com/cantroller/cantroller/pkg/can"
	_ "github.com/cantroller/cantroller/pkg/can/slcan"
	_ "github.com/cantroller/cantroller/pkg/can/socketcan"
	_ "github.com/cantroller/cantroller/pkg/can/virtual"
	"github.com/cantroller/cantroller/pkg/config"
	"github.com/cantroller/cantroller/pkg/gateway"
	"github.com/cantroller/cantroller/pkg/respond"
	"github.com/cantroller/cantroller/pkg/sim"
	"github.com/cantroller/cantroller/pkg/transmit"
	"github.com/cantroller/cantroller/pkg/trip"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_SETTINGS_PATH = "settings.ini"
var DEFAULT_GATEWAY_ADDR = ":8090"

func main() {
	settingsPath := flag.String("s", DEFAULT_SETTINGS_PATH, "settings file path")
	projectPath := flag.String("p", "", "project file path (transmit messages & response rules)")
	tripPath := flag.String("t", "", "trip generator spec path (yaml)")
	adapter := flag.String("a", "", "adapter override e.g. socketcan,slcan,virtualcan")
	channel := flag.String("i", "", "channel override e.g. can0,vcan0,/dev/ttyUSB0")
	bitrate := flag.Uint("b", 0, "bitrate override in bit/s e.g. 125000,250000,500000,1000000")
	gatewayAddr := flag.String("g", DEFAULT_GATEWAY_ADDR, "monitoring gateway listen address")
	simSpeed := flag.Float64("x", 1.0, "simulation playback speed multiplier")
	debug := flag.Bool("d", false, "enable debug logging")
	flag.Parse()

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		log.Warnf("[MAIN] no settings file, using defaults : %v", err)
	}
	if *adapter != "" {
		settings.Adapter = *adapter
	}
	if *channel != "" {
		settings.Channel = *channel
	}
	if *bitrate != 0 {
		override := can.Bitrate(*bitrate)
		if !override.Valid() {
			log.Fatalf("[MAIN] unsupported bitrate %d", *bitrate)
		}
		settings.Bitrate = override
	}
	if *debug {
		settings.LogLevel = "debug"
	}
	if level, err := log.ParseLevel(settings.LogLevel); err == nil {
		log.SetLevel(level)
	}

	canBus, err := can.NewBus(settings.Adapter, settings.Channel)
	if err != nil {
		log.Fatalf("[MAIN] unknown adapter %v (have %v)", settings.Adapter, can.Adapters())
	}
	manager := bus.NewManager(canBus)
	scheduler := transmit.NewScheduler(manager)
	responder := respond.NewEngine(manager)
	simulator := sim.NewEngine(manager)
	manager.OnMessageReceived(responder.Handle)

	if *projectPath != "" {
		project, err := config.LoadProject(*projectPath)
		if err != nil {
			log.Fatalf("[MAIN] failed to load project : %v", err)
		}
		if err := project.Apply(scheduler, responder); err != nil {
			log.Fatalf("[MAIN] failed to apply project : %v", err)
		}
		log.Infof("[MAIN] loaded project %v", *projectPath)
	}

	if err := manager.Connect(settings.Channel, settings.Bitrate); err != nil {
		log.Fatalf("[MAIN] failed to connect %v@%v : %v", settings.Channel, settings.Bitrate, err)
	}
	scheduler.Start()

	if *tripPath != "" {
		spec, err := trip.LoadGeneratorSpec(*tripPath)
		if err != nil {
			log.Fatalf("[MAIN] failed to load trip spec : %v", err)
		}
		profile, err := spec.Generate()
		if err != nil {
			log.Fatalf("[MAIN] failed to generate trip : %v", err)
		}
		simulator.SetSpeed(*simSpeed)
		if err := simulator.Start(profile); err != nil {
			log.Fatalf("[MAIN] failed to start simulation : %v", err)
		}
		log.Infof("[MAIN] playing %v at x%.2f", profile, *simSpeed)
	}

	server := gateway.NewServer(manager, scheduler, responder, simulator)
	go func() {
		if err := server.ListenAndServe(*gatewayAddr); err != nil {
			log.Fatalf("[MAIN] gateway stopped : %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[MAIN] shutting down")
	simulator.Stop()
	scheduler.Stop()
	responder.Drain()
	manager.Disconnect()
}
