// Package ingest runs the MQTT sink: it subscribes to the broker and
// persists every frame as an unprocessed message row.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/security/validation"
)

// MessageStore is the slice of the persistence layer the sink needs.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *models.MqttMessage) error
}

type Sink struct {
	config      *models.MQTTConfig
	metricsAddr string
	store       MessageStore
	log         *slog.Logger
	client      mqtt.Client

	registry      *prometheus.Registry
	received      prometheus.Counter
	stored        prometheus.Counter
	storeFailures prometheus.Counter
	connected     prometheus.Gauge
}

// New builds the sink. The metrics listener is disabled when the ingest
// metrics address is empty.
func New(cfg *models.Config, store MessageStore) *Sink {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Sink{
		config:      &cfg.MQTT,
		metricsAddr: cfg.Ingest.MetricsAddress,
		store:       store,
		log:         slog.Default().With("context", "INGEST"),
		registry:    registry,
		received: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_ingest_received_total",
			Help: "MQTT frames received from the broker.",
		}),
		stored: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_ingest_stored_total",
			Help: "Frames persisted as message rows.",
		}),
		storeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_ingest_store_failures_total",
			Help: "Frames dropped because the insert failed.",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ingest_broker_connected",
			Help: "1 while the broker connection is up.",
		}),
	}
}

// handle persists one frame. The client column is the first topic segment,
// blank when the topic has none.
func (s *Sink) handle(_ mqtt.Client, msg mqtt.Message) {
	s.received.Inc()

	topic := msg.Topic()
	if err := validation.ValidatePayloadSize(len(msg.Payload())); err != nil {
		s.storeFailures.Inc()
		s.log.Warn("oversized frame dropped", "topic", topic, "err", err)
		return
	}
	client, _, _ := strings.Cut(topic, "/")

	row := &models.MqttMessage{
		Client:  client,
		Topic:   topic,
		Payload: strings.ToValidUTF8(string(msg.Payload()), "�"),
		Qos:     int(msg.Qos()),
		At:      time.Now().UTC(),
	}
	if err := s.store.InsertMessage(context.Background(), row); err != nil {
		s.storeFailures.Inc()
		s.log.Error("message insert failed, frame dropped", "topic", topic, "err", err)
		return
	}
	s.stored.Inc()
}

func (s *Sink) clientOptions() (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	tlsCfg, err := s.config.TLS.BuildClientConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if tlsCfg != nil {
		scheme = "ssl"
	}

	clientID := s.config.ClientID
	if clientID == "" {
		clientID = "mqtt-relay-" + fmt.Sprint(time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(scheme + "://" + s.config.Address).
		SetClientID(clientID).
		SetUsername(s.config.Username).
		SetPassword(s.config.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetryInterval(2 * time.Second)
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	// The broker drops subscriptions of clean sessions, so every connect
	// renews them.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.connected.Set(1)
		topic := s.config.Topic
		qos := byte(s.config.QoS) // #nosec G115 - validated range 0..2
		if token := c.Subscribe(topic, qos, s.handle); token.Wait() && token.Error() != nil {
			s.log.Error("subscribe failed", "topic", topic, "err", token.Error())
			return
		}
		s.log.Info("subscribed", "topic", topic, "qos", qos)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.connected.Set(0)
		s.log.Warn("broker connection lost", "err", err)
	})
	return opts, nil
}

// Run connects, serves metrics and blocks until the context is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	opts, err := s.clientOptions()
	if err != nil {
		return err
	}

	s.log.Info("starting MQTT sink", "address", s.config.Address, "topic", s.config.Topic)

	client := mqtt.NewClient(opts)
	connect := retrier.New(retrier.ConstantBackoff(5, 2*time.Second), nil)
	err = connect.RunCtx(ctx, func(ctx context.Context) error {
		token := client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("broker connect timed out")
		}
		return token.Error()
	})
	if err != nil {
		return fmt.Errorf("cannot connect to MQTT broker %s: %w", s.config.Address, err)
	}
	s.client = client

	var metricsSrv *http.Server
	if s.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              s.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("metrics listener failed", "addr", s.metricsAddr, "err", err)
			}
		}()
		s.log.Info("metrics listening", "addr", s.metricsAddr)
	}

	<-ctx.Done()
	s.log.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	s.Close()
	return nil
}

// Close disconnects with a grace period so in-flight handlers finish.
func (s *Sink) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		s.connected.Set(0)
	}
}
