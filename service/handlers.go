package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/adapter/ethereum"
	"github.com/willx33/sol-tools/adapter/telegram"
	"github.com/willx33/sol-tools/analyzer"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/lifecycle"
	"github.com/willx33/sol-tools/lib/msg/types"
	"github.com/willx33/sol-tools/lib/store"
	"github.com/willx33/sol-tools/modules"
)

// MaxWallets bounds the wallets of one analysis request.
const MaxWallets = 100000

// Errors returned to client requests.
var (
	ErrBadMethod     = errors.New("bad method in request")
	ErrBadRequest    = errors.New("bad request")
	ErrMissingModule = errors.New("undefined module - missing query: ?module=<module>")
	ErrNoTarget      = errors.New("undefined target - missing in uri")
	ErrBadKind       = errors.New("kind has to be one of wallet, token or channel")
	ErrNoWallets     = errors.New("no wallets to analyze")
	ErrTooMany       = fmt.Errorf("too many wallets, the maximum is %d", MaxWallets)
	ErrNoBroker      = errors.New("no message broker to reach the watcher")
)

// DefaultKinds is the kind of target watched when the request does not say, per module.
var DefaultKinds = map[string]string{
	"solana":   "wallet",
	"ethereum": "wallet",
	"gmgn":     "token",
	"telegram": "channel",
}

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// AnalyzeReq is the body of an analysis request.
type AnalyzeReq struct {
	Wallets     []string `json:"wallets"`
	Concurrency int      `json:"concurrency"`
}

// status maps errors to http status codes.
func status(err error) int {
	switch {
	case errors.Is(err, modules.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrAuth):
		return http.StatusBadGateway
	case errors.Is(err, ErrNoBroker):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// reply writes the response to the client: body is JSON encoded in Response.Body on success.
func reply(rw http.ResponseWriter, r *http.Request, code int, body interface{}, err error) {
	var res Response

	if err != nil {
		res.Error = err.Error()
		if code < http.StatusBadRequest {
			code = status(err)
		}
	} else if body != nil {
		tmp, _ := json.Marshal(body)
		res.Body = string(tmp)
	}
	log.Info().Str("remote", r.RemoteAddr).Str("uri", r.RequestURI).Int("status", code).Err(err).Msg("httpreq")

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(&res)
}

// homeHandler just replies a welcome message to the client.
func (s *Service) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response

	log.Info().Str("remote", r.RemoteAddr).Str("uri", r.RequestURI).Msg("httpreq")
	res.Body = "Hello, this is your blockchain analytics aggregator!"
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(res)
}

// modulesHandler replies the modules with their state and missing credentials.
func (s *Service) modulesHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, r, http.StatusOK, s.reg.Status(), nil)
}

// lifecycleHandler initializes or validates a module and replies its status.
func (s *Service) lifecycleHandler(rw http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	a, err := s.reg.Get(v["module"])
	if err != nil {
		reply(rw, r, 0, nil, err)
		return
	}

	var ok bool
	if v["op"] == "initialize" {
		ok = a.Initialize(r.Context())
	} else {
		ok = a.Validate(r.Context())
	}
	if !ok {
		err = a.LastError()
		if err == nil {
			err = &lifecycle.NotReadyError{Module: a.Name(), State: a.State()}
		}
		reply(rw, r, 0, nil, err)
		return
	}
	for _, st := range s.reg.Status() {
		if st.Name == a.Name() {
			reply(rw, r, http.StatusOK, st, nil)
			return
		}
	}
}

// analyzeHandler runs a bulk analysis of the wallets requested and replies the report.
func (s *Service) analyzeHandler(rw http.ResponseWriter, r *http.Request) {
	var req AnalyzeReq

	a, err := s.reg.Analyzer(mux.Vars(r)["module"])
	if err != nil {
		reply(rw, r, 0, nil, err)
		return
	}
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		reply(rw, r, 0, nil, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	switch {
	case len(req.Wallets) == 0:
		err = ErrNoWallets
	case len(req.Wallets) > MaxWallets:
		err = ErrTooMany
	}
	if err != nil {
		reply(rw, r, 0, nil, err)
		return
	}

	rep, err := a.AnalyzeWallets(r.Context(), req.Wallets, analyzer.Options{Concurrency: req.Concurrency})
	if err != nil {
		reply(rw, r, 0, nil, err)
		return
	}
	reply(rw, r, http.StatusOK, rep, nil)
}

// listenHandler sends a watch request message to the broker to start or stop watching a target. A request accepted
// status will be replied or an error otherwise.
func (s *Service) listenHandler(rw http.ResponseWriter, r *http.Request) {
	wr, err := s.watchReq(r)
	if err == nil {
		if s.mb == nil {
			err = ErrNoBroker
		} else {
			err = s.mb.SendRequest(wr.Module, wr)
		}
	}
	if err != nil {
		reply(rw, r, 0, nil, err)
		return
	}
	reply(rw, r, http.StatusAccepted, wr, nil)
}

func (s *Service) watchReq(r *http.Request) (wr types.WatchReq, err error) {
	target := strings.TrimSpace(mux.Vars(r)["target"])
	if target == "" {
		return wr, ErrNoTarget
	}
	if err = r.ParseForm(); err != nil {
		return wr, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	m, ok := r.Form["module"]
	if !ok || len(m) != 1 { // we only allow 1 module per request
		return wr, ErrMissingModule
	}
	if _, err = s.reg.Watcher(m[0]); err != nil {
		return wr, err
	}
	kind := r.Form.Get("kind")
	if kind == "" {
		kind = DefaultKinds[m[0]]
	}
	wr = types.WatchReq{Module: m[0], Kind: types.KindOf(kind), Obj: target}
	if wr.Kind == types.EXIT {
		return wr, ErrBadKind
	}

	switch {
	case m[0] == ethereum.Name:
		wr.Obj = strings.ToLower(target) // keep addresses in lowercase to avoid issues
	case wr.Kind == types.CHANNEL:
		if wr.Obj, err = telegram.ChannelName(target); err != nil {
			return wr, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}

	switch r.Method {
	case http.MethodPost:
		wr.Act = types.LISTEN
	case http.MethodDelete:
		wr.Act = types.UNLISTEN
	default:
		err = ErrBadMethod
	}
	return wr, err
}

// getTargetsHandler replies the targets being watched for the module queried. If no module is queried, targets from
// all the modules are returned.
func (s *Service) getTargetsHandler(rw http.ResponseWriter, r *http.Request) {
	ms, err := s.moduleQuery(r)
	if err != nil {
		reply(rw, r, 0, nil, err)
		return
	}
	// ideally, this should be requested to the watcher!!
	wls, err := s.db.GetTargets(ms)
	if err != nil {
		reply(rw, r, 0, nil, err)
		return
	}
	reply(rw, r, http.StatusOK, wls, nil)
}

// sessionsHandler replies the state of the monitor session of every watched target of the module queried, or of all
// the modules. Targets whose session never ran are reported as STARTING.
func (s *Service) sessionsHandler(rw http.ResponseWriter, r *http.Request) {
	ms, err := s.moduleQuery(r)
	if err != nil {
		reply(rw, r, 0, nil, err)
		return
	}
	wls, err := s.db.GetTargets(ms)
	if err != nil {
		reply(rw, r, 0, nil, err)
		return
	}
	ss := []store.SessionState{}
	for _, wl := range wls {
		for _, t := range wl.Targets {
			st, err := s.db.LoadSession(adapter.SessionID(wl.Module, t.Kind, t.Addr))
			if err != nil && !errors.Is(err, store.ErrDataNotFound) {
				reply(rw, r, http.StatusInternalServerError, nil, err)
				return
			}
			if err != nil {
				st = store.SessionState{Module: wl.Module, Target: t.Addr, Kind: t.Kind, Status: "STARTING"}
			}
			ss = append(ss, st)
		}
	}
	reply(rw, r, http.StatusOK, ss, nil)
}

func (s *Service) moduleQuery(r *http.Request) ([]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	m, ok := r.Form["module"]
	if !ok {
		return nil, nil
	}
	if len(m) != 1 { // we only allow 1 module per request
		return nil, ErrMissingModule
	}
	if _, err := s.reg.Get(m[0]); err != nil {
		return nil, err
	}
	return m, nil
}
