package tbs_test

import (
	"context"
	"fmt"
	"log"

	"github.com/gftdcojp/tiered-block-store/pkg/tbs"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func Example() {
	nc, err := nats.Connect("nats://localhost:4222")
	if err != nil {
		log.Fatal(err)
	}
	defer nc.Close()

	client, err := tbs.New(tbs.Config{NC: nc})
	if err != nil {
		log.Fatal(err)
	}

	snap, err := client.StoreMeta(context.Background(), "worker-1")
	if err != nil {
		log.Fatal(err)
	}
	for _, t := range snap.Tiers {
		fmt.Printf("%s used=%d capacity=%d\n", t.Name, t.UsedBytes, t.CapacityBytes)
	}
}

func ExampleClient_Workers() {
	nc, _ := nats.Connect("nats://localhost:4222")
	js, _ := jetstream.New(nc)
	client, _ := tbs.New(tbs.Config{NC: nc, JS: js})
	ctx := context.Background()

	ids, err := client.Workers(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, id := range ids {
		rep, err := client.LatestReport(ctx, id)
		if err != nil {
			continue
		}
		fmt.Println(id, rep.UsedBytesOnTiers)
	}
}
