// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/msg"
	"github.com/willx33/sol-tools/lib/msg/types"
)

// Exchanges declared by Setup.
const (
	RequestsExchange = "wr"
	EventsExchange   = "me"
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	mu   sync.Mutex
	ch   *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string) (msg.MsgBroker, error) {
	r := Amqp{}
	var err error

	if r.conn, err = amqp.Dial(uri); err != nil {
		return &r, err
	}
	log.Info().Str("uri", uri).Msg("Connected to message broker")

	return &r, err
}

// Setup obtains an amqp channel and declares the message broker exchanges:
//
// - wr ("watch requests"): the api service publishes requests to this exchange
//
// - me ("monitor events"): the watcher service publishes events to this exchange
func (r *Amqp) Setup(x interface{}) error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	// declare exchanges
	if err = channel.ExchangeDeclare(RequestsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	return channel.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing amqp.Channel")
		}
		r.ch = nil
		log.Debug().Msg("amqp.Channel closed!")
	}
	r.mu.Unlock()
	return r.conn.Close()
}

// channel returns the reusable channel, obtaining it if not present.
func (r *Amqp) channel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch == nil {
		ch, err := r.conn.Channel()
		if err != nil {
			return nil, err
		}
		r.ch = ch
	}
	return r.ch, nil
}

// EventKey is the routing key of an event: module.kind.target
func EventKey(module string, ev monitor.Event) string {
	return module + "." + ev.Kind + "." + ev.Target
}

// RequestKey is the routing key of a watch request: module.kind.obj
func RequestKey(module string, wr types.WatchReq) string {
	return module + "." + strconv.Itoa(wr.Kind) + "." + wr.Obj
}

// SendEvents publishes monitor events to the "me" exchange
func (r *Amqp) SendEvents(module string, evs []monitor.Event) (err error) {
	var ch *amqp.Channel
	if ch, err = r.channel(); err != nil {
		return
	}
	for _, ev := range evs {
		// marshal to JSON
		var jsonDoc []byte
		if jsonDoc, err = json.Marshal(ev); err != nil {
			return
		}
		// build body
		m := amqp.Publishing{
			Headers:     amqp.Table{"x-event-id": module + "." + ev.ID},
			Body:        jsonDoc,
			ContentType: "application/json",
		}
		// publish
		if err = ch.Publish(EventsExchange, EventKey(module, ev), false, false, m); err != nil {
			log.Error().Err(err).Str("module", module).Msg("Error sending event to message broker")
			return
		}
	}
	return
}

// SendRequest publishes a new watch request to the "wr" exchange
func (r *Amqp) SendRequest(module string, wr types.WatchReq) (err error) {
	// marshal to JSON
	var jsonDoc []byte
	if jsonDoc, err = json.Marshal(wr); err != nil {
		return
	}
	var ch *amqp.Channel
	if ch, err = r.channel(); err != nil {
		return
	}
	// build body
	m := amqp.Publishing{
		Headers:     amqp.Table{"x-wreq-name": module + "." + wr.Obj},
		Body:        jsonDoc,
		ContentType: "application/json",
	}
	// publish
	if err = ch.Publish(RequestsExchange, RequestKey(module, wr), false, false, m); err != nil {
		log.Error().Err(err).Str("module", module).Msg("Error sending request to message broker")
	}
	return
}

// consume declares and binds the queue of module to the exchange and returns its deliveries.
func (r *Amqp) consume(exchange, module, consumer string) (<-chan amqp.Delivery, error) {
	ch, err := r.channel()
	if err != nil {
		return nil, err
	}
	queue := exchange + module
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err = ch.QueueBind(queue, module+".*.*", exchange, false, nil); err != nil {
		return nil, err
	}
	return ch.Consume(queue, consumer+"-"+module, false, false, false, false, nil)
}

// GetEvents consumes events from the "me" exchange pushing them to the returned channel. The Mutex pointer is
// provided to ensure the consumed message has been fully dealt with by the management function, so the message
// consumed is only acknowledged when the mutex is unlocked. The caller locks mut before calling and unlocks it once
// per message processed.
func (r *Amqp) GetEvents(module string, mut *sync.Mutex) (<-chan monitor.Event, <-chan error, error) {
	msgs, err := r.consume(EventsExchange, module, "api")
	if err != nil {
		return nil, nil, err
	}
	// define channels to return
	eves := make(chan monitor.Event)
	errs := make(chan error)
	// start routine to consume messages from broker
	go func() {
		for m := range msgs {
			ev := new(monitor.Event)
			if err := json.Unmarshal(m.Body, ev); err != nil {
				_ = m.Nack(false, false)
				errs <- err
				continue
			}
			eves <- *ev
			mut.Lock() // wait for the api to finish processing the event
			_ = m.Ack(false)
		}
	}()
	return eves, errs, nil
}

// GetReqs consumes requests from the "wr" exchange for the specified module pushing them to the returned channel.
// The Mutex pointer is provided to ensure the consumed message has been fully dealt with by the management function,
// so the message consumed is only acknowledged when the mutex is unlocked. The caller locks mut before calling and
// unlocks it once per message processed.
func (r *Amqp) GetReqs(module string, mut *sync.Mutex) (<-chan types.WatchReq, <-chan error, error) {
	msgs, err := r.consume(RequestsExchange, module, "watcher")
	if err != nil {
		return nil, nil, err
	}
	// define channels to return
	reqs := make(chan types.WatchReq)
	errs := make(chan error)
	// start routine to consume messages from broker
	go func() {
		for m := range msgs {
			req := new(types.WatchReq)
			if err := json.Unmarshal(m.Body, req); err != nil {
				_ = m.Nack(false, false)
				errs <- err
				continue
			}
			reqs <- *req
			mut.Lock() // wait for the watcher to finish processing the request
			_ = m.Ack(false)
		}
	}()
	return reqs, errs, nil
}
