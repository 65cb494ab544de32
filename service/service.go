// Package service implements the api microservice.
//
// This microservice implements a RESTful API for clients to list the modules and their state, run bulk wallet
// analyses and ask the watcher service to start or stop watching wallets, tokens and channels.
package service

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/msg"
	"github.com/willx33/sol-tools/lib/store"
	"github.com/willx33/sol-tools/lib/store/db"
	"github.com/willx33/sol-tools/modules"
)

// Service contains the data necessary to deliver the service
type Service struct {
	dbtype string
	db     store.DB
	mb     msg.MsgBroker
	reg    *modules.Registry
	s      *http.Server  // http server
	sc     chan struct{} // http server channel used for graceful shutdowns
	once   sync.Once
}

// New returns a pointer to a new Service
func New(dbtype string, dbConn store.DB, mb msg.MsgBroker, reg *modules.Registry) *Service {
	return &Service{
		dbtype: dbtype,
		db:     dbConn,
		mb:     mb,
		reg:    reg,
		sc:     make(chan struct{}),
	}
}

// Stop shuts down the http server and closes gracefully the modules and the connections to message broker and
// database.
func (s *Service) Stop() {
	s.once.Do(func() {
		if s.s != nil {
			if err := s.s.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("error in http server shutdown")
			}
		}
		close(s.sc)
		s.reg.Cleanup()
		if s.mb != nil {
			if err := s.mb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing message broker")
			}
		}
		if s.db != nil {
			err := db.Close(s.dbtype, s.db)
			log.Info().Err(err).Str("db", s.dbtype).Msg("disconnecting database")
		}
	})
}

// ManageEvents starts go routines to consume the events published by the watcher service. Events are logged.
func (s *Service) ManageEvents() error {
	for _, m := range s.reg.Names() {
		if _, err := s.reg.Watcher(m); err != nil {
			continue
		}
		mut := new(sync.Mutex)
		mut.Lock()
		eveCh, errCh, err := s.mb.GetEvents(m, mut)
		if err != nil {
			return err
		}

		go func(module string) {
			log.Info().Str("module", module).Msg("start listening to watcher event channel")
			for eve := range eveCh {
				log.Info().Str("module", module).Str("target", eve.Target).Str("kind", eve.Kind).Str("id", eve.ID).
					Msg("received event")
				mut.Unlock()
			}
			log.Info().Str("module", module).Msg("stop listening to watcher event channel")
		}(m)

		go func(module string) {
			for e := range errCh {
				log.Error().Err(e).Str("module", module).Msg("received error")
			}
		}(m)
	}
	return nil
}
