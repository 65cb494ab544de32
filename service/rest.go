package service

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const timeout = 15

// analysisTimeout bounds the requests running bulk analyses.
const analysisTimeout = 10 * time.Minute

// Router returns the API definition.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.homeHandler)
	r.HandleFunc("/modules", s.modulesHandler).Methods("GET") // modules with state and missing keys
	r.HandleFunc("/modules/{module}/{op:initialize|validate}", s.lifecycleHandler).Methods("POST")
	r.HandleFunc("/analyze/{module}", s.analyzeHandler).Methods("POST")         // bulk wallet analysis
	r.HandleFunc("/listen/{target}", s.listenHandler).Methods("POST", "DELETE") // watch or unwatch a target
	r.HandleFunc("/listen", s.getTargetsHandler).Methods("GET")                 // get watched targets
	r.HandleFunc("/sessions", s.sessionsHandler).Methods("GET")                 // get monitor sessions
	return r
}

// Init sets up and starts the http server servicing the RESTful API and blocks until Stop.
func (s *Service) Init(endpoint, port string) string {
	s.s = &http.Server{
		Handler:      http.TimeoutHandler(s.Router(), analysisTimeout, "request timed out"),
		Addr:         endpoint + ":" + port,
		ReadTimeout:  timeout * time.Second,
		WriteTimeout: analysisTimeout + timeout*time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- s.s.ListenAndServe()
	}()
	log.Info().Str("addr", s.s.Addr).Msg("listening to API http requests")

	// wait for the server to be shutdown
	<-s.sc

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return "shutdown http server: " + err.Error()
		}
	default:
	}
	return "shutdown http server"
}
