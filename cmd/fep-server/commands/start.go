package commands

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paynet/iso-fep/internal/config"
	"github.com/paynet/iso-fep/internal/dashboard"
	"github.com/paynet/iso-fep/internal/eventbus"
	"github.com/paynet/iso-fep/internal/iso8583"
	"github.com/paynet/iso-fep/internal/server"
)

var bpmn bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Inbound Server",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVar(&bpmn, "bpmn", false, "route financial/reversal requests through the event-bus workflow variant")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	provider := iso8583.NewProvider("FISC", cfg.FieldDefinitionSource)
	codec := iso8583.NewCodec(provider)

	hub := dashboard.NewHub()
	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handler server.Handler
	var bus *eventbus.Bus
	var bpmnHandler *server.BPMNHandler

	if bpmn {
		bus = eventbus.New(eventbus.Config{
			Brokers:      cfg.KafkaBrokers,
			RequestTopic: cfg.KafkaTopic + "-requests",
			ReplyTopic:   cfg.KafkaTopic + "-replies",
		})
		bpmnHandler = server.NewBPMNHandler(bus, time.Duration(cfg.CallbackTTLMs)*time.Millisecond)
		go bpmnHandler.ConsumeReplies(ctx)
		handler = bpmnHandler
	} else {
		handler = server.HandlerFunc(func(ctx context.Context, req *server.RequestContext) {
			resp := server.ApprovedReply(req.Message, "000001")
			if err := req.SendResponse(resp); err != nil {
				log.Printf("fep-server: reply failed: %v", err)
			}
			hub.Broadcast(dashboard.Event{
				Type: dashboard.EventRegistryStats,
				Data: dashboard.RegistryStatsData{Completed: 1},
			})
		})
	}

	srv := server.New(server.Config{
		ListenAddr:    cfg.ServerListenAddr,
		ReplyBound:    time.Duration(cfg.ServerReplyBoundMs) * time.Millisecond,
		InstitutionID: cfg.InstitutionID,
	}, codec, handler)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.DashboardAddr, mux); err != nil {
			log.Printf("fep-server: dashboard http server stopped: %v", err)
		}
	}()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.ListenAndServe(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("fep-server: listening on %s", cfg.ServerListenAddr)

	select {
	case <-sigChan:
		log.Printf("fep-server: shutdown signal received")
		cancel()
		srv.Close()
		if bpmnHandler != nil {
			bpmnHandler.Close()
		}
		if bus != nil {
			bus.Close()
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	return nil
}
