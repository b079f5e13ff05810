// Package tbs is a client for tiered block store workers reachable over NATS.
//
// Workers publish a report on {prefix}.heartbeat.{worker} every heartbeat
// interval and answer store snapshot requests on {prefix}.store.{worker}.
// When a key-value bucket is configured, the latest report of each worker is
// also kept there under the worker id.
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	js, _ := jetstream.New(nc)
//
//	client, _ := tbs.New(tbs.Config{NC: nc, JS: js})
//
//	// Per-tier usage of one worker
//	snap, _ := client.StoreMeta(ctx, "worker-1")
//	fmt.Println(snap.UsedBytes())
//
//	// Workers known to the report bucket
//	ids, _ := client.Workers(ctx)
//
//	// Follow heartbeats of every worker
//	client.WatchHeartbeats(ctx, func(r tbs.Report) { ... })
//
// # Subjects
//
//	tbs.heartbeat.{worker}   worker report, published periodically
//	tbs.store.{worker}       request-reply store snapshot
package tbs
