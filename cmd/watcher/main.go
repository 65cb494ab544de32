// Package main: watcher service
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

	"github.com/willx33/sol-tools/adapter/telegram"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/msg"
	"github.com/willx33/sol-tools/lib/msg/amqp"
	"github.com/willx33/sol-tools/lib/msg/kafka"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/store"
	"github.com/willx33/sol-tools/lib/store/db"
	"github.com/willx33/sol-tools/lib/util"
	"github.com/willx33/sol-tools/modules"
	"github.com/willx33/sol-tools/watcher"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json or yaml file")
	monitorFlag := flag.Bool("m", false, "flag to serve Prometheus metrics at http://localhost:9100/metrics")
	notify := flag.Bool("n", false, "flag to send every event to the Telegram chat too")
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
	log.Info().Str("conn", conf.DbConn).Msg("connecting to database")
	if dbConn, err = db.New(conf.DbType, conf.DbConn); err != nil {
		panic(err)
	}
	defer func() {
		err := db.Close(conf.DbType, dbConn)
		log.Info().Err(err).Msg("closing database")
	}()

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
	defer reg.Cleanup()
	log.Info().Strs("ready", reg.Initialize(context.Background())).Msg("modules initialized")

	// load Prometheus monitor
	if *monitorFlag {
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
		defer func() {
			errClose := mb.Close()
			log.Info().Err(errClose).Msg("closing message broker")
		}()
	default:
		log.Warn().Str("type", conf.MbType).Msg("unknown message broker type, events are not published")
	}

	// events are published to kafka too when brokers are configured
	var pubs []msg.Publisher
	if len(conf.KafkaBrokers) > 0 {
		k, err := kafka.New(conf.KafkaBrokers, conf.KafkaTopic)
		if err != nil {
			panic(err)
		}
		defer k.Close()
		pubs = append(pubs, k)
	}

	// alerts to telegram
	var sink monitor.Sink
	if *notify {
		a, err := reg.Get(telegram.Name)
		if err != nil {
			panic(err)
		}
		if tg := a.(*telegram.Adapter); tg.Require() == nil {
			sink = tg.Sink()
		} else {
			log.Warn().Err(tg.LastError()).Msg("telegram not ready, alerts disabled")
		}
	}

	// create watcher service
	w := watcher.New(dbConn, mb, reg, sink, pubs...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Watch(ctx); err != nil {
		log.Error().Err(err).Msg("nothing to watch")
		return
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	sigchan := make(chan os.Signal, 10)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
	<-sigchan
	log.Info().Msg("program killed")
	// do last actions and wait for all write operations to end
	w.Stop()
}
