package main

import (
	"context"
	"sync"
	"time"

	"github.com/pion/randutil"
	"go.uber.org/zap"

	"github.com/relaywire/sfu-core/internal/clock"
	"github.com/relaywire/sfu-core/internal/control"
	"github.com/relaywire/sfu-core/internal/errs"
	"github.com/relaywire/sfu-core/internal/sfu"
	txp "github.com/relaywire/sfu-core/internal/transport"
)

const idCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomId() string {
	s, err := randutil.GenerateCryptoRandomString(16, idCharset)
	if err != nil {
		s = "id"
	}
	return s
}

// Loop is one single-threaded cooperative event loop of spec.md §5: it
// owns a disjoint set of Routers plus every Transport/Producer/
// Consumer reachable from them, and every mutation to that state runs
// as a command executed serially by Run, preserving "no
// suspension points within packet processing" and "no shared-mutable
// state across loops".
type Loop struct {
	name   string
	logger *zap.Logger
	clock  clock.Clock

	commands chan func()

	mu         sync.Mutex
	routers    map[string]*sfu.Router
	transports map[string]*txp.Transport
	sockets    map[string]*udpSocket
}

func NewLoop(name string, logger *zap.Logger, clk clock.Clock) *Loop {
	return &Loop{
		name:       name,
		logger:     logger.With(zap.String("loop", name)),
		clock:      clk,
		commands:   make(chan func(), 256),
		routers:    make(map[string]*sfu.Router),
		transports: make(map[string]*txp.Transport),
		sockets:    make(map[string]*udpSocket),
	}
}

// Run drains the command queue and runs periodic maintenance (ICE
// disconnect checks; no RTCP reports are generated on this timer)
// until ctx is canceled, per
// spec.md §5's "the loop multiplexes socket readiness, timer
// expirations, and control-channel messages".
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-l.commands:
			cmd()
		case <-ticker.C:
			l.runMaintenance()
		}
	}
}

// runMaintenance checks ICE disconnection timers, executed inline on
// the loop goroutine (never a separate thread), matching the
// scheduling model.
func (l *Loop) runMaintenance() {
	l.mu.Lock()
	transports := make([]*txp.Transport, 0, len(l.transports))
	for _, t := range l.transports {
		transports = append(transports, t)
	}
	l.mu.Unlock()

	for _, t := range transports {
		t.CheckTimeouts()
	}
}

// do runs fn on the loop goroutine and waits for it to finish,
// keeping every Router/Transport mutation serialized exactly as
// spec.md §5 requires.
func (l *Loop) do(fn func() (interface{}, error)) (interface{}, error) {
	type result struct {
		data interface{}
		err  error
	}
	done := make(chan result, 1)
	l.commands <- func() {
		data, err := fn()
		done <- result{data, err}
	}
	r := <-done
	return r.data, r.err
}

func (l *Loop) OwnsRouter(routerId string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.routers[routerId]
	return ok
}

type createTransportRequest struct {
	ListenIp string `json:"listenIp"`
}

type createTransportResponse struct {
	Id               string `json:"id"`
	IceUsernameFragment string `json:"iceUsernameFragment"`
	IcePassword      string `json:"icePassword"`
}

// CreateTransport implements ROUTER_CREATE_WEBRTC_TRANSPORT: ensures a
// Router exists for req.Internal.RouterId (creating one if this is the
// first Transport requested on it) and creates a new WebRTC Transport
// bound to a UDP socket, per spec.md §4.4 "Listening".
func (l *Loop) CreateTransport(req control.Request) (interface{}, error) {
	return l.do(func() (interface{}, error) {
		var payload createTransportRequest
		_ = control.DecodeData(req, &payload)
		if payload.ListenIp == "" {
			payload.ListenIp = "0.0.0.0"
		}

		routerId := req.Internal.RouterId
		if routerId == "" {
			routerId = randomId()
		}
		l.mu.Lock()
		router, ok := l.routers[routerId]
		if !ok {
			router = sfu.NewRouter()
			l.routers[routerId] = router
		}
		l.mu.Unlock()

		socket, err := listenUDP(payload.ListenIp, l.logger)
		if err != nil {
			return nil, err
		}

		cert, err := generateSelfSignedCertificate()
		if err != nil {
			socket.Close()
			return nil, err
		}

		transportId := randomId()
		ufrag := randomId()
		pwd := randomId()

		dtlsTransport := txp.NewDtlsTransport(cert, nil)
		transport := txp.NewTransport(transportId, l.logger, l.clock, router, socket, dtlsTransport, ufrag, pwd)
		dtlsTransport.Listener = transport

		if err := router.RegisterTransport(transport); err != nil {
			socket.Close()
			return nil, err
		}

		l.mu.Lock()
		l.transports[transportId] = transport
		l.sockets[transportId] = socket
		l.mu.Unlock()

		go socket.readLoop(func(tuple txp.Tuple, data []byte) {
			l.commands <- func() {
				transport.ProcessDatagram(tuple, data)
			}
		})

		return createTransportResponse{
			Id:                  transportId,
			IceUsernameFragment: ufrag,
			IcePassword:         pwd,
		}, nil
	})
}

type produceRequest struct {
	Kind       sfu.MediaKind     `json:"kind"`
	RtpParameters sfu.RtpParameters `json:"rtpParameters"`
	UseNack    bool              `json:"useNack"`
}

type produceResponse struct {
	Id string `json:"id"`
}

// CreateProducer implements TRANSPORT_PRODUCE, per spec.md §4.2 and §3.
func (l *Loop) CreateProducer(req control.Request) (interface{}, error) {
	return l.do(func() (interface{}, error) {
		var payload produceRequest
		if err := control.DecodeData(req, &payload); err != nil {
			return nil, errs.NewTypeError("invalid produce payload: %v", err)
		}

		l.mu.Lock()
		router, routerOk := l.routers[req.Internal.RouterId]
		transport, transportOk := l.transports[req.Internal.TransportId]
		l.mu.Unlock()
		if !routerOk || !transportOk {
			return nil, errs.NewNotFound("unknown router/transport scope")
		}

		producerId := randomId()
		producer := sfu.NewProducer(producerId, payload.Kind, payload.RtpParameters, transport, l.clock, payload.UseNack)

		if err := router.AddProducer(req.Internal.TransportId, producer); err != nil {
			return nil, err
		}
		if err := transport.AddProducer(producer); err != nil {
			return nil, err
		}

		return produceResponse{Id: producerId}, nil
	})
}

type consumeRequest struct {
	ProducerId string            `json:"producerId"`
	Kind       sfu.MediaKind     `json:"kind"`
	RtpParameters sfu.RtpParameters `json:"rtpParameters"`
	Cname      string            `json:"cname"`
}

type consumeResponse struct {
	Id string `json:"id"`
}

// CreateConsumer implements TRANSPORT_CONSUME, per spec.md §4.3 and §3.
func (l *Loop) CreateConsumer(req control.Request) (interface{}, error) {
	return l.do(func() (interface{}, error) {
		var payload consumeRequest
		if err := control.DecodeData(req, &payload); err != nil {
			return nil, errs.NewTypeError("invalid consume payload: %v", err)
		}

		l.mu.Lock()
		router, routerOk := l.routers[req.Internal.RouterId]
		transport, transportOk := l.transports[req.Internal.TransportId]
		l.mu.Unlock()
		if !routerOk || !transportOk {
			return nil, errs.NewNotFound("unknown router/transport scope")
		}

		consumerId := randomId()
		consumer := sfu.NewConsumer(consumerId, payload.Kind, payload.RtpParameters, payload.Cname, transport, l.clock)

		if err := router.AddConsumer(req.Internal.TransportId, payload.ProducerId, consumer); err != nil {
			return nil, err
		}
		if err := transport.AddConsumer(consumer); err != nil {
			return nil, err
		}
		consumer.SetConnected(true)

		return consumeResponse{Id: consumerId}, nil
	})
}

type producerIdRequest struct {
	ProducerId string `json:"producerId"`
}

func (l *Loop) lookupProducer(routerId, producerId string) (*sfu.Router, *sfu.Producer, error) {
	l.mu.Lock()
	router, ok := l.routers[routerId]
	l.mu.Unlock()
	if !ok {
		return nil, nil, errs.NewNotFound("unknown router %s", routerId)
	}
	producer, ok := router.GetProducer(producerId)
	if !ok {
		return nil, nil, errs.NewNotFound("unknown producer %s", producerId)
	}
	return router, producer, nil
}

func (l *Loop) PauseProducer(req control.Request) (interface{}, error) {
	return l.do(func() (interface{}, error) {
		_, producer, err := l.lookupProducer(req.Internal.RouterId, req.Internal.ProducerId)
		if err != nil {
			return nil, err
		}
		producer.Pause()
		return nil, nil
	})
}

func (l *Loop) ResumeProducer(req control.Request) (interface{}, error) {
	return l.do(func() (interface{}, error) {
		_, producer, err := l.lookupProducer(req.Internal.RouterId, req.Internal.ProducerId)
		if err != nil {
			return nil, err
		}
		producer.Resume()
		return nil, nil
	})
}

func (l *Loop) CloseProducer(req control.Request) (interface{}, error) {
	return l.do(func() (interface{}, error) {
		_, producer, err := l.lookupProducer(req.Internal.RouterId, req.Internal.ProducerId)
		if err != nil {
			return nil, err
		}
		producer.Close()
		return nil, nil
	})
}

func (l *Loop) lookupConsumer(routerId, consumerId string) (*sfu.Router, *sfu.Consumer, error) {
	l.mu.Lock()
	router, ok := l.routers[routerId]
	l.mu.Unlock()
	if !ok {
		return nil, nil, errs.NewNotFound("unknown router %s", routerId)
	}
	consumer, ok := router.GetConsumer(consumerId)
	if !ok {
		return nil, nil, errs.NewNotFound("unknown consumer %s", consumerId)
	}
	return router, consumer, nil
}

func (l *Loop) RequestConsumerKeyFrame(req control.Request) (interface{}, error) {
	return l.do(func() (interface{}, error) {
		router, consumer, err := l.lookupConsumer(req.Internal.RouterId, req.Internal.ConsumerId)
		if err != nil {
			return nil, err
		}
		return nil, router.OnTransportConsumerKeyFrameRequested(consumer, consumer.Ssrc)
	})
}

// PauseConsumer implements CONSUMER_PAUSE, per spec.md §4.3
// "Pause/Resume".
func (l *Loop) PauseConsumer(req control.Request) (interface{}, error) {
	return l.do(func() (interface{}, error) {
		_, consumer, err := l.lookupConsumer(req.Internal.RouterId, req.Internal.ConsumerId)
		if err != nil {
			return nil, err
		}
		consumer.Paused()
		return nil, nil
	})
}

// ResumeConsumer implements CONSUMER_RESUME. wasProducerResume is
// false here: this resume is control-channel-initiated, not a
// consequence of its Producer resuming, so a key-frame request fires.
func (l *Loop) ResumeConsumer(req control.Request) (interface{}, error) {
	return l.do(func() (interface{}, error) {
		_, consumer, err := l.lookupConsumer(req.Internal.RouterId, req.Internal.ConsumerId)
		if err != nil {
			return nil, err
		}
		consumer.Resumed(false)
		return nil, nil
	})
}
