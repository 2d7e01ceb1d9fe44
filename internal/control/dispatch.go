package control

import (
	"encoding/json"
	"fmt"

	"github.com/relaywire/sfu-core/internal/errs"
)

// Method names, per spec.md §4.5 "Dispatches control requests by
// method".
const (
	MethodRouterCreateWebRtcTransport = "ROUTER_CREATE_WEBRTC_TRANSPORT"
	MethodTransportProduce            = "TRANSPORT_PRODUCE"
	MethodTransportConsume             = "TRANSPORT_CONSUME"
	MethodProducerPause                = "PRODUCER_PAUSE"
	MethodProducerResume                = "PRODUCER_RESUME"
	MethodProducerClose                 = "PRODUCER_CLOSE"
	MethodConsumerPause                 = "CONSUMER_PAUSE"
	MethodConsumerResume                = "CONSUMER_RESUME"
	MethodConsumerRequestKeyFrame        = "CONSUMER_REQUEST_KEY_FRAME"
)

// HandlerFunc processes one decoded request and returns the data to
// place in a successful Response, or an error (ideally an *errs.Error
// so the wire response carries a typed code).
type HandlerFunc func(req Request) (interface{}, error)

// Dispatcher is the small string-keyed method table of spec.md §4.5
// "additions", mirroring the method-name dispatch pattern of the
// retrieved mediasoup-go binding's Channel.Request/worker method
// switch but adapted from a large reflection-based switch statement
// to direct Go function values, since this module's method set is
// fixed and known at compile time.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

func (d *Dispatcher) Register(method string, fn HandlerFunc) {
	d.handlers[method] = fn
}

// Dispatch looks up req.Method and runs its handler, building the
// Response per spec.md §6 ("Responses echo id and carry
// {accepted:true, data} or {error, reason}").
func (d *Dispatcher) Dispatch(req Request) Response {
	fn, ok := d.handlers[req.Method]
	if !ok {
		return Response{Id: req.Id, Error: string(errs.NotFound), Reason: fmt.Sprintf("unknown method %q", req.Method)}
	}

	data, err := fn(req)
	if err != nil {
		if typed, ok := err.(*errs.Error); ok {
			code, reason := typed.Response()
			return Response{Id: req.Id, Error: code, Reason: reason}
		}
		return Response{Id: req.Id, Error: string(errs.TypeError), Reason: err.Error()}
	}
	return Response{Id: req.Id, Accepted: true, Data: data}
}

// DecodeData unmarshals req.Data (re-marshaled, since Request.Data
// arrives as interface{} from the generic frame decode) into v.
func DecodeData(req Request, v interface{}) error {
	raw, err := json.Marshal(req.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
