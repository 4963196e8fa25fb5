// Package contracts declares the broker topology a module asserts: exchanges,
// queues, the bindings between them and the channel each entity is asserted on.
//
// Specs are plain values so they can be built in code or decoded from YAML and
// JSON. A binding's patterns accept either a single string or a list:
//
//	queues:
//	  - name: orders.created
//	    channel: {key: orders, prefetch: 5}
//	    binds:
//	      - exchange: orders
//	        pattern: [order.created, order.updated]
//
// Topology.Validate checks the declaration as a whole before anything reaches
// the broker.
package contracts
