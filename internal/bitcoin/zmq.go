package bitcoin

import (
	"context"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// TopicHashBlock is the node's ZMQ topic announcing new block hashes.
const TopicHashBlock = "hashblock"

// zmqPollInterval bounds how long Listen waits before rechecking its context.
const zmqPollInterval = 500 * time.Millisecond

// ZMQNotifier subscribes to a node's hashblock publisher.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket connected to endpoint and subscribed
// to hashblock.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Transport(err, "zmq_socket", "create ZMQ socket")
	}
	if err := socket.SetSubscribe(TopicHashBlock); err != nil {
		_ = socket.Close()
		return nil, errors.Transport(err, "zmq_subscribe", "subscribe to hashblock")
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Transport(err, "zmq_connect", "connect to ZMQ endpoint").
			WithContext("endpoint", endpoint)
	}

	logger = logger.WithComponent("zmq")
	logger.Info("connected to ZMQ endpoint", "endpoint", endpoint, "topic", TopicHashBlock)
	return &ZMQNotifier{socket: socket, endpoint: endpoint, logger: logger}, nil
}

// Listen delivers each announced block hash to onBlock until ctx ends.
func (z *ZMQNotifier) Listen(ctx context.Context, onBlock func(hash string)) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ready, err := poller.Poll(zmqPollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return nil
			}
			z.logger.WithError(err).Warn("ZMQ poll failed")
			continue
		}
		if len(ready) == 0 {
			continue
		}

		parts, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.WithError(err).Warn("ZMQ receive failed")
			continue
		}

		hash, err := decodeHashBlock(parts)
		if err != nil {
			z.logger.WithError(err).Warn("ignoring ZMQ message")
			continue
		}
		z.logger.Debug("block announced", "hash", hash)
		onBlock(hash)
	}
}

// decodeHashBlock extracts the display-order hash from a [topic, body, seq]
// multipart message.
func decodeHashBlock(parts [][]byte) (string, error) {
	if len(parts) < 2 {
		return "", fmt.Errorf("malformed ZMQ message with %d parts", len(parts))
	}
	if topic := string(parts[0]); topic != TopicHashBlock {
		return "", fmt.Errorf("unexpected ZMQ topic %q", topic)
	}
	if len(parts[1]) != 32 {
		return "", fmt.Errorf("invalid block hash length %d", len(parts[1]))
	}
	return HexEncode(parts[1]), nil
}

// Close releases the socket.
func (z *ZMQNotifier) Close() error {
	return z.socket.Close()
}
