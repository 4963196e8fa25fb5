// Package hapirabbit runs a RabbitMQ client from a static declaration of its
// topology and handlers.
//
// A Module owns a single broker connection. Bootstrap asserts the declared
// exchanges, then the queues, then their bindings, and finally starts one
// consumer per queue that has at least one handler. Each delivery is routed
// to the first handler whose exchange, routing key and filters match, or to
// the queue fallback, and settled with the decision the handler returns.
//
// Basic usage:
//
//	module, err := hapirabbit.New(hapirabbit.Config{Host: "localhost"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer module.Close()
//
//	topology := hapirabbit.Topology{}
//	topology.Queues = []contracts.QueueSpec{{Name: "orders"}}
//	topology.Handle(routing.HandlerSpec{
//	    Queue: "orders",
//	    Handler: routing.HandlerFunc(func(ctx context.Context, msg *routing.Message) (routing.Decision, error) {
//	        return routing.Ack, nil
//	    }),
//	})
//
//	if err := module.Start(ctx, topology); err != nil {
//	    log.Fatal(err)
//	}
//
// Connection events of every module are published on ConnectionEvents unless
// the module was given its own bus with WithEventBus. The connection is not
// re-established automatically after a broker-side close.
package hapirabbit
