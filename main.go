package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/account"
	"github.com/crowdfund/admin"
	"github.com/crowdfund/client"
	"github.com/crowdfund/config"
	"github.com/crowdfund/contract/crowdfunding"
	"github.com/crowdfund/event"
	"github.com/crowdfund/levelDB"
	"github.com/crowdfund/metrics"
	"github.com/crowdfund/redis"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("c", "config/config.yaml", "Config file path")
	follow := flag.Bool("follow", false, "Print events mirrored in Redis instead of starting a node")
	flag.Parse()

	start := Start
	if *follow {
		start = Follow
	}
	if err := start(*configPath); err != nil {
		log.Fatal(err)
	}
}

func newPublisher(cfg *config.Config) *redis.Publisher {
	return redis.NewPublisher(redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		List:     cfg.Redis.List,
		Channel:  cfg.Redis.Channel,
		MaxLen:   cfg.Redis.MaxLen,
	})
}

// Follow logs the events a running node mirrors into Redis until interrupted.
func Follow(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyLogLevel()
	if !cfg.Redis.Enabled {
		return errors.New("redis is disabled in config, nothing to follow")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub := newPublisher(cfg)
	defer pub.Close()
	events, err := pub.Subscribe(ctx)
	if err != nil {
		return err
	}
	log.Infof("following %s on %s", cfg.Redis.Channel, cfg.Redis.Addr)
	for ev := range events {
		log.Infof("#%d %s campaign=%d", ev.Seq, ev.Name, ev.CampaignID)
		log.Debugf("%s", spew.Sdump(ev))
	}
	return nil
}

func Start(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyLogLevel()
	if log.Level <= log.LevelDebug {
		shown := *cfg
		shown.Redis.Password = "***"
		log.Debugf("config:\n%s", spew.Sdump(shown))
	}

	db, err := levelDB.Open(cfg.LevelDB.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	initial, err := cfg.InitialBalance()
	if err != nil {
		return err
	}
	bank := account.NewState(db, initial)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	events := event.NewLog(db)
	bus := event.NewBus(events)
	bus.Subscribe("metrics", m)
	hub := client.NewHub(cfg.Events.ClientBuffer)
	bus.Subscribe("websocket", hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recent client.RecentEvents
	if cfg.Redis.Enabled {
		pub := newPublisher(cfg)
		defer pub.Close()
		if err := pub.Ping(ctx); err != nil {
			log.Warningf("redis %s unreachable: %v", cfg.Redis.Addr, err)
		}
		bus.Subscribe("redis", pub)
		recent = pub
	}

	ledger := crowdfunding.New(db, bank, bus, cfg.EscrowAddress())
	n, err := ledger.CampaignCount()
	if err != nil {
		return err
	}
	m.SetCampaigns(n)
	log.Infof("ledger ready: %d campaigns, escrow %s", n, ledger.Escrow().Hex())

	srv := client.NewServer(client.Options{
		Ledger:  ledger,
		Bank:    bank,
		Events:  events,
		DB:      db,
		Recent:  recent,
		Hub:     hub,
		Metrics: m,
		HTTP:    cfg.HTTP,
		MaxSkew: cfg.Auth.MaxSkew,
	})

	errc := make(chan error, 2)
	go func() {
		errc <- admin.Serve(ctx, cfg.Admin.Addr, admin.NewRouter(reg, ledger, events))
	}()
	go func() {
		errc <- srv.ListenAndServe(ctx, cfg.HTTP.Addr)
	}()

	log.Info(" ---------------------------------------------------------------------------------")
	log.Infof("|  众筹账本节点已启动，API %s，管理端口 %s  |", cfg.HTTP.Addr, cfg.Admin.Addr)
	log.Info(" ---------------------------------------------------------------------------------")

	// the first server to return ends the process; the other stops with ctx
	err = <-errc
	stop()
	if err2 := <-errc; err == nil {
		err = err2
	}
	return err
}
