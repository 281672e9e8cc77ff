// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// pbftsim runs a cluster of 3f+1 replicas and clients in one process, connected by channels,
// and prints the state of every replica once all requests are answered
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/op/go-logging"

	pbft "github.com/myl7/pbft-smr"
	"github.com/myl7/pbft-smr/client"
	"github.com/myl7/pbft-smr/internal/keyfile"
	"github.com/myl7/pbft-smr/transport/chantransport"
)

var logger = logging.MustGetLogger("pbftsim")

type options struct {
	f             int
	clients       int
	requests      int
	maxDelay      time.Duration
	silentPrimary bool
	timeout       time.Duration
}

func main() {
	var opts options
	flag.IntVar(&opts.f, "f", 1, "the max number of faulty replicas, and there are 3f+1 replicas")
	flag.IntVar(&opts.clients, "clients", 1, "the number of clients")
	flag.IntVar(&opts.requests, "requests", 20, "the number of requests every client submits")
	flag.DurationVar(&opts.maxDelay, "delay", 2*time.Millisecond, "the max simulated network delay")
	flag.BoolVar(&opts.silentPrimary, "silent-primary", false, "drop all msgs from the primary of view 0 to force a view change")
	flag.DurationVar(&opts.timeout, "timeout", 500*time.Millisecond, "the request and view change timeout")
	level := flag.String("log", "WARNING", "the log level")
	flag.Parse()

	if err := pbft.SetupLogging(os.Stderr, *level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg := pbft.DefaultConfig()
	cfg.F = opts.f
	cfg.N = 3*opts.f + 1
	cfg.RequestTimeout = opts.timeout
	cfg.ViewChangeTimeout = opts.timeout
	cfg.MaxViewChangeTimeout = 64 * opts.timeout
	if err := cfg.Validate(); err != nil {
		return err
	}

	kf, err := keyfile.Generate(cfg.N, opts.clients)
	if err != nil {
		return err
	}

	netOpts := []chantransport.Option{
		chantransport.WithDelay(func() time.Duration {
			if opts.maxDelay <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(opts.maxDelay)))
		}),
	}
	if opts.silentPrimary {
		silent := chantransport.NodeName(cfg.Primary(0))
		netOpts = append(netOpts, chantransport.WithTamper(func(from, to string, msg pbft.Message) pbft.Message {
			if from == silent {
				return nil
			}
			return msg
		}))
	}
	network := chantransport.NewNetwork(netOpts...)
	defer network.Close()

	nodes := make([]*pbft.Node, cfg.N)
	sms := make([]*pbft.CounterStateMachine, cfg.N)
	for i := 0; i < cfg.N; i++ {
		id := uint32(i)
		sms[i] = pbft.NewCounterStateMachine()
		np := pbft.NodeParams{ID: id, PKs: kf.NodePKs(), SK: kf.Nodes[i].SK}
		nd, err := pbft.NewNode(np, cfg, network.Communicator(id), pbft.NewMemStorage(), sms[i], kf.ClientPKs())
		if err != nil {
			return err
		}
		nodes[i] = nd
		network.AddNode(id, nd)
	}
	for _, nd := range nodes {
		st := nd.Status()
		fmt.Printf("Replica %d (%s): Starting\n", st.ID, st.Role())
		if err := nd.Start(); err != nil {
			return err
		}
	}

	ccfg := client.DefaultConfig()
	ccfg.N = cfg.N
	ccfg.F = cfg.F
	ccfg.Timeout = 2 * opts.timeout
	ccfg.MaxRetries = 10

	ctx := context.Background()
	var wg sync.WaitGroup
	errCh := make(chan error, opts.clients)
	for _, kp := range kf.Clients {
		ccfg.ID = kp.ID
		c, err := client.New(ccfg, kp.SK, kf.NodePKs(), network.ClientSender(kp.ID))
		if err != nil {
			return err
		}
		network.AddClient(kp.ID, c)

		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			for i := 0; i < opts.requests; i++ {
				res, err := c.Submit(ctx, []byte("new block"))
				if err != nil {
					errCh <- fmt.Errorf("client %s request %d: %w", c.ID(), i, err)
					return
				}
				n, _ := pbft.DecodeCounterResult(res)
				fmt.Printf("Client %s: block number %d (view %d)\n", c.ID(), n, c.View())
			}
		}(c)
	}
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}

	// Let the slowest replicas catch up before printing
	time.Sleep(4 * opts.maxDelay)
	for i, nd := range nodes {
		st := nd.Status()
		fmt.Printf("Replica %d (%s): view %d, mode %s, low watermark %d, executed %d, block number %d\n",
			st.ID, st.Role(), st.View, st.Mode, st.LowWatermark, st.LastExec, sms[i].Value())
	}
	for _, nd := range nodes {
		nd.Stop()
	}
	return nil
}
