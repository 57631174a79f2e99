package chainrabbit

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// runSetup idempotently asserts the exchange, queue and bindings named
// by state against ch, in that order. It is skipped entirely when
// state.skipSetup is true. It returns the resolved queue name: the
// configured name, or the broker-assigned name for an anonymous queue.
func runSetup(ch *amqp.Channel, state *State) (string, error) {
	if state.skipSetup {
		if state.queue != nil {
			return state.queue.name, nil
		}
		return "", nil
	}

	if state.exchange != nil {
		ex := *state.exchange
		if ex.kind == ExchangeDelayedMessage {
			if _, ok := ex.args["x-delayed-type"]; !ok {
				ex = ex.Arg("x-delayed-type", string(ExchangeDirect))
			}
		}
		if err := ch.ExchangeDeclare(
			ex.name,
			string(ex.kind),
			ex.durable,
			ex.autoDelete,
			ex.internal,
			false,
			ex.args,
		); err != nil {
			return "", SetupError("declare exchange "+ex.name, err)
		}
	}

	queueName := ""
	if state.queue != nil {
		q := *state.queue
		declared, err := ch.QueueDeclare(
			q.name,
			q.durable,
			q.autoDelete,
			q.exclusive,
			false,
			q.args,
		)
		if err != nil {
			return "", SetupError("declare queue "+q.name, err)
		}
		queueName = declared.Name
	}

	for _, b := range state.bindings {
		queue := b.queue
		if queue == "" {
			queue = queueName
		}

		if args := b.args(); args != nil {
			if err := ch.QueueBind(queue, "", b.exchange, false, args); err != nil {
				return "", SetupError("bind "+queue+" to "+b.exchange, err)
			}
			continue
		}

		patterns := b.patterns
		if len(patterns) == 0 {
			patterns = []string{""}
		}
		for _, key := range patterns {
			if err := ch.QueueBind(queue, key, b.exchange, false, nil); err != nil {
				return "", SetupError("bind "+queue+" to "+b.exchange+" via "+key, err)
			}
		}
	}

	return queueName, nil
}
