package sfu

import (
	"sync"

	"github.com/relaywire/sfu-core/internal/errs"
)

// TransportHandle is the subset of Transport the Router needs without
// importing the transport package, avoiding an import cycle (the
// transport package already depends on sfu for Producer/Consumer).
type TransportHandle interface {
	Id() string
	ForwardKeyFrameRequest(mappedSsrc uint32, fir bool) error
	RemoveConsumer(consumerId string)
}

// Router owns the Transport/Producer/Consumer graph for one set of
// peers, per spec.md §4.5: a TransportId→Transport map plus the two
// cross-indices that drive fan-out.
type Router struct {
	mu sync.Mutex

	transports map[string]TransportHandle

	mapProducers         map[string]*Producer
	producerTransport    map[string]string
	mapProducerConsumers map[string]map[string]*Consumer
	mapConsumerProducer  map[string]string
	mapConsumers         map[string]*Consumer
	consumerTransport    map[string]string
}

func NewRouter() *Router {
	return &Router{
		transports:           make(map[string]TransportHandle),
		mapProducers:         make(map[string]*Producer),
		producerTransport:    make(map[string]string),
		mapProducerConsumers: make(map[string]map[string]*Consumer),
		mapConsumerProducer:  make(map[string]string),
		mapConsumers:         make(map[string]*Consumer),
		consumerTransport:    make(map[string]string),
	}
}

// RegisterTransport implements spec.md §4.5 "Router owns a mapping
// TransportId -> Transport".
func (r *Router) RegisterTransport(t TransportHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transports[t.Id()]; exists {
		return errs.NewAlreadyExists("transport %s already registered", t.Id())
	}
	r.transports[t.Id()] = t
	return nil
}

// RemoveTransport drops a closed Transport from the Router's transport
// map. It does not close or remove the Producers and Consumers that
// Transport owned: their entries in the Router's indices stay in place.
func (r *Router) RemoveTransport(transportId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, transportId)
}

// AddProducer implements spec.md §4.5 "For each Producer-creating
// request it records the Producer in mapProducers".
func (r *Router) AddProducer(transportId string, producer *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mapProducers[producer.Id]; exists {
		return errs.NewAlreadyExists("producer id %s already in use", producer.Id)
	}
	r.mapProducers[producer.Id] = producer
	r.producerTransport[producer.Id] = transportId
	r.mapProducerConsumers[producer.Id] = make(map[string]*Consumer)
	return nil
}

// GetProducer implements spec.md §4.5 "OnTransportGetProducer": resolve
// a producerId for a cross-transport consume request.
func (r *Router) GetProducer(producerId string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.mapProducers[producerId]
	return p, ok
}

// GetConsumer resolves a consumerId for control-plane requests that
// only carry an id, such as CONSUMER_REQUEST_KEY_FRAME.
func (r *Router) GetConsumer(consumerId string) (*Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.mapConsumers[consumerId]
	return c, ok
}

// AddConsumer implements spec.md §4.5 "For each Consumer-creating
// request it binds the Consumer to an existing Producer by producerId
// ... and updates mapProducerConsumers / mapConsumerProducer".
// transportId records the Consumer's owning Transport so a later
// Producer close can remove it from that Transport too, not just from
// the Router's own indices.
func (r *Router) AddConsumer(transportId, producerId string, consumer *Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mapConsumerProducer[consumer.Id]; exists {
		return errs.NewAlreadyExists("consumer id %s already in use", consumer.Id)
	}
	producer, ok := r.mapProducers[producerId]
	if !ok {
		return errs.NewNotFound("no producer %s", producerId)
	}

	r.mapConsumers[consumer.Id] = consumer
	r.mapConsumerProducer[consumer.Id] = producerId
	r.mapProducerConsumers[producerId][consumer.Id] = consumer
	r.consumerTransport[consumer.Id] = transportId

	if ssrc, ok := producer.FirstSsrc(); ok {
		if stream, found := producer.streamsBySsrc[ssrc]; found {
			consumer.BindProducerStream(stream)
		}
	}
	return nil
}

// OnTransportProducerRtpPacketReceived implements spec.md §4.5's core
// fan-out: look up the Producer's Consumer set and call SendRtpPacket
// for each, preserving the fan-out purity invariant (§8) by handing
// every Consumer the same *RtpPacket, which each restores before
// returning.
func (r *Router) OnTransportProducerRtpPacketReceived(producer *Producer, packet *RtpPacket) {
	r.mu.Lock()
	consumers := r.mapProducerConsumers[producer.Id]
	snapshot := make([]*Consumer, 0, len(consumers))
	for _, c := range consumers {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		c.SendRtpPacket(packet)
	}
}

// OnTransportProducerClosed implements spec.md:140 "iterate the
// Consumer set and close each; then remove both indices": a closed
// Producer destroys its bound Consumers (spec.md:51), so each is both
// Close()d and removed from its own owning Transport, not merely
// paused and left to leak.
func (r *Router) OnTransportProducerClosed(producer *Producer) {
	r.mu.Lock()
	consumers := r.mapProducerConsumers[producer.Id]
	type boundConsumer struct {
		consumer    *Consumer
		transportId string
	}
	toClose := make([]boundConsumer, 0, len(consumers))
	for id, c := range consumers {
		toClose = append(toClose, boundConsumer{consumer: c, transportId: r.consumerTransport[id]})
		delete(r.mapConsumers, id)
		delete(r.mapConsumerProducer, id)
		delete(r.consumerTransport, id)
	}
	delete(r.mapProducerConsumers, producer.Id)
	delete(r.mapProducers, producer.Id)
	delete(r.producerTransport, producer.Id)
	transports := r.transports
	r.mu.Unlock()

	for _, bc := range toClose {
		bc.consumer.Close()
		if t, ok := transports[bc.transportId]; ok {
			t.RemoveConsumer(bc.consumer.Id)
		}
	}
}

// RemoveConsumer drops a single Consumer (e.g. closed directly by its
// owning Transport without its Producer closing).
func (r *Router) RemoveConsumer(consumerId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	producerId, ok := r.mapConsumerProducer[consumerId]
	if !ok {
		return
	}
	delete(r.mapConsumerProducer, consumerId)
	delete(r.mapConsumers, consumerId)
	delete(r.consumerTransport, consumerId)
	if set, ok := r.mapProducerConsumers[producerId]; ok {
		delete(set, consumerId)
	}
}

// OnTransportProducerPaused and OnTransportProducerResumed implement
// spec.md:83: a paused Producer notifies every bound Consumer so its
// own send path shifts to (or out of) paused, without tearing down
// the binding the way OnTransportProducerClosed does.
func (r *Router) OnTransportProducerPaused(producer *Producer) {
	r.mu.Lock()
	consumers := r.mapProducerConsumers[producer.Id]
	snapshot := make([]*Consumer, 0, len(consumers))
	for _, c := range consumers {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		c.SetProducerPaused(true)
	}
}

func (r *Router) OnTransportProducerResumed(producer *Producer) {
	r.mu.Lock()
	consumers := r.mapProducerConsumers[producer.Id]
	snapshot := make([]*Consumer, 0, len(consumers))
	for _, c := range consumers {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		c.SetProducerPaused(false)
	}
}

// OnTransportConsumerKeyFrameRequested implements spec.md §4.5
// "resolve the Consumer's Producer and invoke
// producer.RequestKeyFrame(mappedSsrc)", then asks the Producer's
// registered Transport (if any) to send the PLI upstream.
func (r *Router) OnTransportConsumerKeyFrameRequested(consumer *Consumer, mappedSsrc uint32) error {
	r.mu.Lock()
	producerId, ok := r.mapConsumerProducer[consumer.Id]
	var producer *Producer
	var source TransportHandle
	if ok {
		producer = r.mapProducers[producerId]
		source = r.transports[r.producerTransport[producerId]]
	}
	r.mu.Unlock()

	if producer == nil {
		return errs.NewNotFound("no bound producer for consumer %s", consumer.Id)
	}
	if err := producer.RequestKeyFrame(mappedSsrc); err != nil {
		return err
	}
	if source == nil {
		return nil
	}
	return source.ForwardKeyFrameRequest(mappedSsrc, false)
}
