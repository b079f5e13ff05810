package tbs

import (
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	// ErrNoWorker is returned when no worker answers or no report is stored
	// for the requested worker id.
	ErrNoWorker = errors.New("tbs: worker not found")

	// ErrNoJetStream is returned by bucket operations on a client built
	// without a JetStream context.
	ErrNoJetStream = errors.New("tbs: JetStream context not configured")
)

func isNoResponders(err error) bool {
	return errors.Is(err, nats.ErrNoResponders)
}

func isKeyMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
