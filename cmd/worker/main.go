package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaywire/sfu-core/internal/clock"
	"github.com/relaywire/sfu-core/internal/control"
	"github.com/relaywire/sfu-core/internal/sfu"
)

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "listen-ip",
		Usage: "accepted but not used: each Transport listens on its create request's listenIp, or 0.0.0.0",
	},
	&cli.IntFlag{
		Name:  "workers",
		Usage: "number of event loops, each owning a disjoint set of Routers",
		Value: 1,
	},
}

func main() {
	app := &cli.App{
		Name:  "sfu-worker",
		Usage: "runs the SFU data-plane core: Router/Producer/Consumer/Transport event loops",
		Flags: baseFlags,
		Action: runWorker,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(c *cli.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	numWorkers := c.Int("workers")
	if numWorkers < 1 {
		numWorkers = 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)

	dispatcher := control.NewDispatcher()
	loops := make([]*Loop, numWorkers)
	for i := 0; i < numWorkers; i++ {
		loops[i] = NewLoop(fmt.Sprintf("loop-%d", i), logger, clock.Real{})
	}
	registerHandlers(dispatcher, loops, logger)

	for _, loop := range loops {
		loop := loop
		group.Go(func() error {
			return loop.Run(gctx)
		})
	}

	codec := control.NewCodec(os.Stdout, os.Stdin)
	group.Go(func() error {
		return serveControlChannel(gctx, codec, dispatcher, logger)
	})

	return group.Wait()
}

// serveControlChannel implements spec.md §5/§6: a single reader
// driving the control pipe, never itself mutating loop-owned state
// directly — every dispatched handler hands off into the right Loop
// via a channel, so "no shared-mutable state across loops" holds.
func serveControlChannel(ctx context.Context, codec *control.Codec, dispatcher *control.Dispatcher, logger *zap.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req control.Request
		if err := codec.ReadFrame(&req); err != nil {
			return err
		}

		resp := dispatcher.Dispatch(req)
		if err := codec.WriteFrame(resp); err != nil {
			logger.Warn("failed to write control response", zap.Error(err))
		}
	}
}

// registerHandlers wires the control method table to Router
// operations, per spec.md §4.5. Transport creation picks Loops
// round-robin, and a Router is pinned to the Loop that first creates
// it, matching "the supervisor pins a Router to a worker at creation".
func registerHandlers(d *control.Dispatcher, loops []*Loop, logger *zap.Logger) {
	next := 0

	d.Register(control.MethodRouterCreateWebRtcTransport, func(req control.Request) (interface{}, error) {
		loop := loops[next%len(loops)]
		next++
		return loop.CreateTransport(req)
	})

	d.Register(control.MethodTransportProduce, func(req control.Request) (interface{}, error) {
		loop := loopOwning(loops, req.Internal.RouterId)
		return loop.CreateProducer(req)
	})

	d.Register(control.MethodTransportConsume, func(req control.Request) (interface{}, error) {
		loop := loopOwning(loops, req.Internal.RouterId)
		return loop.CreateConsumer(req)
	})

	d.Register(control.MethodProducerPause, func(req control.Request) (interface{}, error) {
		return loopOwning(loops, req.Internal.RouterId).PauseProducer(req)
	})
	d.Register(control.MethodProducerResume, func(req control.Request) (interface{}, error) {
		return loopOwning(loops, req.Internal.RouterId).ResumeProducer(req)
	})
	d.Register(control.MethodProducerClose, func(req control.Request) (interface{}, error) {
		return loopOwning(loops, req.Internal.RouterId).CloseProducer(req)
	})
	d.Register(control.MethodConsumerRequestKeyFrame, func(req control.Request) (interface{}, error) {
		return loopOwning(loops, req.Internal.RouterId).RequestConsumerKeyFrame(req)
	})
	d.Register(control.MethodConsumerPause, func(req control.Request) (interface{}, error) {
		return loopOwning(loops, req.Internal.RouterId).PauseConsumer(req)
	})
	d.Register(control.MethodConsumerResume, func(req control.Request) (interface{}, error) {
		return loopOwning(loops, req.Internal.RouterId).ResumeConsumer(req)
	})
}

func loopOwning(loops []*Loop, routerId string) *Loop {
	for _, l := range loops {
		if l.OwnsRouter(routerId) {
			return l
		}
	}
	return loops[0]
}

var _ = sfu.MediaKindAudio
