// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// pbftd runs a replica, or a client submitting ops, over gRPC.
//
//	pbftd -config pbft.yaml replica
//	pbftd -config pbft.yaml client <op>...
//
// The config file holds the general.* protocol keys plus:
//
//	node.id, node.listen, node.db    the replica to run
//	client.id, client.listen         the client to run
//	keys                             the file written by pbft-keygen
//	peers.nodes                      addresses indexed by node ID
//	peers.clients                    addresses indexed by client ID
//	log.level                        e.g. INFO
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/op/go-logging"
	"github.com/spf13/viper"

	pbft "github.com/myl7/pbft-smr"
	"github.com/myl7/pbft-smr/client"
	"github.com/myl7/pbft-smr/internal/keyfile"
	"github.com/myl7/pbft-smr/storage/boltstore"
	"github.com/myl7/pbft-smr/transport/grpcnet"
)

var logger = logging.MustGetLogger("pbftd")

func main() {
	cfgPath := flag.String("config", "pbft.yaml", "the config file")
	flag.Parse()

	v := viper.New()
	v.SetConfigFile(*cfgPath)
	v.SetEnvPrefix("PBFT")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "read config %s: %v\n", *cfgPath, err)
		os.Exit(1)
	}
	v.SetDefault("log.level", "INFO")
	if err := pbft.SetupLogging(os.Stderr, v.GetString("log.level")); err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		os.Exit(1)
	}

	var err error
	switch flag.Arg(0) {
	case "replica", "":
		err = runReplica(v)
	case "client":
		err = runClient(v, flag.Args()[1:])
	default:
		err = fmt.Errorf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func loadPeers(v *viper.Viper) (grpcnet.Peers, error) {
	nodes := v.GetStringSlice("peers.nodes")
	if len(nodes) == 0 {
		return grpcnet.Peers{}, errors.New("no peers.nodes in config")
	}
	peers := grpcnet.Peers{
		Nodes:   make(map[uint32]string, len(nodes)),
		Clients: v.GetStringMapString("peers.clients"),
	}
	for i, addr := range nodes {
		peers.Nodes[uint32(i)] = addr
	}
	return peers, nil
}

func runReplica(v *viper.Viper) error {
	cfg, err := pbft.LoadConfig(v)
	if err != nil {
		return err
	}
	kf, err := keyfile.Load(v.GetString("keys"))
	if err != nil {
		return err
	}
	peers, err := loadPeers(v)
	if err != nil {
		return err
	}

	id := v.GetUint32("node.id")
	if int(id) >= len(kf.Nodes) {
		return fmt.Errorf("%w: no key of node %d", pbft.ErrUnknownNodeID, id)
	}
	v.SetDefault("node.db", fmt.Sprintf("pbft-%d.db", id))
	store, err := boltstore.Open(v.GetString("node.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	tr := grpcnet.NewTransport(peers, cfg.RequestTimeout)
	defer tr.Close()

	np := pbft.NodeParams{ID: id, PKs: kf.NodePKs(), SK: kf.Nodes[id].SK}
	nd, err := pbft.NewNode(np, cfg, tr, store, pbft.NewCounterStateMachine(), kf.ClientPKs())
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", v.GetString("node.listen"))
	if err != nil {
		return err
	}
	srv := grpcnet.NewServer(nd)
	if err := nd.Start(); err != nil {
		return err
	}
	defer nd.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	logger.Infof("Replica %d listening on %s", id, lis.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("Replica %d got %s, stopping", id, sig)
		srv.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}

func runClient(v *viper.Viper, ops []string) error {
	cfg, err := pbft.LoadConfig(v)
	if err != nil {
		return err
	}
	kf, err := keyfile.Load(v.GetString("keys"))
	if err != nil {
		return err
	}
	peers, err := loadPeers(v)
	if err != nil {
		return err
	}
	id := v.GetString("client.id")
	kp, ok := kf.Client(id)
	if !ok {
		return fmt.Errorf("%w: no key of client %q", pbft.ErrUnknownUser, id)
	}

	tr := grpcnet.NewTransport(peers, cfg.RequestTimeout)
	defer tr.Close()

	ccfg := client.DefaultConfig()
	ccfg.ID = id
	ccfg.N = cfg.N
	ccfg.F = cfg.F
	ccfg.Timeout = cfg.RequestTimeout
	c, err := client.New(ccfg, kp.SK, kf.NodePKs(), tr)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", v.GetString("client.listen"))
	if err != nil {
		return err
	}
	srv := grpcnet.NewServer(grpcnet.HandlerFunc(func(msg pbft.Message) error {
		rep, ok := msg.(*pbft.Reply)
		if !ok {
			return pbft.ErrUnknownMsgType
		}
		return c.DeliverReply(rep)
	}))
	go srv.Serve(lis)
	defer srv.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	for _, op := range ops {
		start := time.Now()
		res, err := c.Submit(ctx, []byte(op))
		if err != nil {
			return fmt.Errorf("submit %q: %w", op, err)
		}
		if n, ok := pbft.DecodeCounterResult(res); ok {
			fmt.Printf("%s -> counter %d (%v)\n", op, n, time.Since(start))
		} else {
			fmt.Printf("%s -> %x (%v)\n", op, res, time.Since(start))
		}
	}
	return nil
}
