package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/hapinessjs/hapirabbit-go"
)

type sendFlags struct {
	queue       string
	exchange    string
	routingKey  string
	raw         bool
	persistent  bool
	contentType string
	messageType string
	headers     map[string]string
	timeout     time.Duration
}

func newSendCommand(flags *globalFlags) *cobra.Command {
	var sf sendFlags

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Publish one message to a queue or an exchange",
		Long: `Publish one message. The message is parsed as JSON and sent JSON-encoded with
the json header set; when it is not valid JSON, or with --raw, it is sent as is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, flags, os.Stderr)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), sf.timeout)
			defer cancel()

			module, err := hapirabbit.New(cfg.RabbitMQ, hapirabbit.WithLogger(logger))
			if err != nil {
				return err
			}
			defer module.Close()

			if err := module.Connect(ctx); err != nil {
				return err
			}

			message, opts := sf.message(args[0])
			if err := module.Send(ctx, message, opts); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent message %s\n", opts.MessageID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sf.queue, "queue", "q", "", "Destination queue")
	cmd.Flags().StringVarP(&sf.exchange, "exchange", "e", "", "Destination exchange")
	cmd.Flags().StringVarP(&sf.routingKey, "routing-key", "k", "", "Routing key, with --exchange")
	cmd.Flags().BoolVar(&sf.raw, "raw", false, "Send the message as is, without JSON encoding")
	cmd.Flags().BoolVar(&sf.persistent, "persistent", false, "Persistent delivery mode")
	cmd.Flags().StringVar(&sf.contentType, "content-type", "", "Content type property")
	cmd.Flags().StringVar(&sf.messageType, "type", "", "Type property")
	cmd.Flags().StringToStringVarP(&sf.headers, "header", "H", nil, "Message header, key=value (repeatable)")
	cmd.Flags().DurationVar(&sf.timeout, "timeout", 30*time.Second, "Overall timeout, connection included")
	cmd.MarkFlagsMutuallyExclusive("queue", "exchange")
	cmd.MarkFlagsOneRequired("queue", "exchange")

	return cmd
}

// message turns the argument into the message and its send options
func (sf sendFlags) message(arg string) (interface{}, hapirabbit.SendOptions) {
	opts := hapirabbit.SendOptions{
		Queue:       sf.queue,
		Exchange:    sf.exchange,
		RoutingKey:  sf.routingKey,
		Persistent:  sf.persistent,
		ContentType: sf.contentType,
		Type:        sf.messageType,
		MessageID:   uuid.NewString(),
	}

	if len(sf.headers) > 0 {
		opts.Headers = amqp.Table{}
		for k, v := range sf.headers {
			opts.Headers[k] = v
		}
	}

	if sf.raw {
		opts.Raw = true
		return arg, opts
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(arg), &decoded); err != nil {
		opts.Raw = true
		return arg, opts
	}
	return decoded, opts
}
