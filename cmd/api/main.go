// Package main: api service.
//
// The DB used by the service is the one the watcher service keeps its watch lists and sessions in, so it has to be
// the same database. The service does not write to it: watch requests go to the watcher through the message broker.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/msg"
	"github.com/willx33/sol-tools/lib/msg/amqp"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/store"
	"github.com/willx33/sol-tools/lib/store/db"
	"github.com/willx33/sol-tools/lib/util"
	"github.com/willx33/sol-tools/modules"
	"github.com/willx33/sol-tools/service"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json or yaml file")
	monitor := flag.Bool("m", false, "flag to serve Prometheus metrics at http://localhost:9100/metrics")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}
	util.SetupLogging(conf.Verbose, true)
	log.Info().Str("db", conf.DbType).Str("mb", conf.MbType).Strs("modules", conf.Modules).Msg("configuration loaded")

	// connect to database
	var dbConn store.DB
	if conf.DbConn != "" {
		if dbConn, err = db.New(conf.DbType, conf.DbConn); err != nil {
			panic(err)
		}
		log.Info().Str("conn", conf.DbConn).Msg("connected to database")
	}

	// load modules over a shared resource pool
	opts, err := pool.OptionsFromConfig(conf)
	if err != nil {
		panic(err)
	}
	p := pool.New(opts)
	defer p.Close()
	reg, err := modules.New(conf, p, conf.Modules)
	if err != nil {
		panic(err)
	}
	log.Info().Strs("ready", reg.Initialize(context.Background())).Msg("modules initialized")

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Info().Msg("serving metrics API")
			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker
	var mb msg.MsgBroker
	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect
			if mb, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}
		if err = mb.Setup(nil); err != nil {
			panic(err)
		}
	default:
		log.Warn().Str("type", conf.MbType).Msg("unknown message broker type")
	}

	// create api service
	s := service.New(conf.DbType, dbConn, mb, reg)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info().Msg("program killed")
		// do last actions and wait for all write operations to end
		s.Stop()
		close(finish)
	}()

	// manage watcher events
	if mb != nil {
		if err := s.ManageEvents(); err != nil {
			log.Error().Err(err).Msg("cannot set up broker readers for events")
		}
	}

	// init RESTful API, wait for its return and log response
	log.Info().Msg(s.Init(conf.RestfulEndpoint, conf.Port))

	<-finish
}
